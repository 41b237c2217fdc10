package anchor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
)

// GCSPublisher writes anchor snapshots to a Google Cloud Storage bucket.
type GCSPublisher struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSPublisher(ctx context.Context, bucket, prefix string) (*GCSPublisher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: bucket, prefix: prefix}, nil
}

func (p *GCSPublisher) Medium() string { return "gcs" }

func (p *GCSPublisher) Publish(ctx context.Context, body []byte, hash string) (Publication, error) {
	name := p.prefix + hash + ".json"
	obj := p.client.Bucket(p.bucket).Object(name)

	// DoesNotExist makes the write conditional: a concurrent producer of the
	// same anchor loses cleanly instead of overwriting.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return Publication{}, fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		// precondition failure means the anchor is already there
		attrs, attrErr := obj.Attrs(ctx)
		if attrErr != nil {
			return Publication{}, fmt.Errorf("gcs close: %w", err)
		}
		return Publication{
			Medium:   p.Medium(),
			Location: fmt.Sprintf("gs://%s/%s", p.bucket, name),
			Proof:    strconv.FormatInt(attrs.Generation, 10),
			At:       time.Now().UTC(),
		}, nil
	}

	return Publication{
		Medium:   p.Medium(),
		Location: fmt.Sprintf("gs://%s/%s", p.bucket, name),
		Proof:    strconv.FormatInt(w.Attrs().Generation, 10),
		At:       time.Now().UTC(),
	}, nil
}

// Close releases the underlying client.
func (p *GCSPublisher) Close() error { return p.client.Close() }
