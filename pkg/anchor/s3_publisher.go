package anchor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Publisher writes anchor snapshots to an S3 bucket, keyed by anchor hash.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the S3 publisher. Endpoint is for MinIO/LocalStack.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Publisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Publisher) Medium() string { return "s3" }

func (p *S3Publisher) Publish(ctx context.Context, body []byte, hash string) (Publication, error) {
	key := p.prefix + hash + ".json"

	// anchors are content-addressed; an existing object is the same anchor
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		out, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return Publication{}, fmt.Errorf("s3 put: %w", err)
		}
		return Publication{
			Medium:   p.Medium(),
			Location: fmt.Sprintf("s3://%s/%s", p.bucket, key),
			Proof:    aws.ToString(out.ETag),
			At:       time.Now().UTC(),
		}, nil
	}

	return Publication{
		Medium:   p.Medium(),
		Location: fmt.Sprintf("s3://%s/%s", p.bucket, key),
		At:       time.Now().UTC(),
	}, nil
}
