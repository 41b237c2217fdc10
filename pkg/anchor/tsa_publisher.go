package anchor

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool `asn1:"optional"`
}

// TSAPublisher anchors the snapshot hash at an RFC 3161 timestamp authority.
// The returned token binds the anchor hash to TSA time.
type TSAPublisher struct {
	URL    string
	Client *http.Client
}

func NewTSAPublisher(url string, client *http.Client) *TSAPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TSAPublisher{URL: url, Client: client}
}

func (p *TSAPublisher) Medium() string { return "rfc3161" }

func (p *TSAPublisher) Publish(ctx context.Context, _ []byte, hash string) (Publication, error) {
	digest, err := hex.DecodeString(hash)
	if err != nil || len(digest) != 32 {
		return Publication{}, fmt.Errorf("anchor hash is not a SHA-256 hex digest")
	}

	reqDER, err := asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	})
	if err != nil {
		return Publication{}, fmt.Errorf("build timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(reqDER))
	if err != nil {
		return Publication{}, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Publication{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return Publication{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Publication{}, fmt.Errorf("tsa returned HTTP %d", resp.StatusCode)
	}
	if len(token) == 0 {
		return Publication{}, fmt.Errorf("tsa returned an empty token")
	}

	return Publication{
		Medium:   p.Medium(),
		Location: p.URL,
		Proof:    base64.StdEncoding.EncodeToString(token),
		At:       time.Now().UTC(),
	}, nil
}
