// Package anchor periodically fixes the chain tip in external media. An
// anchor is a small signed-by-publication snapshot: chain height, tip hash,
// and where the snapshot was published. External observers can detect
// rewritten history by comparing a current tip against any published anchor.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/observability"
)

// Interval is the maximum time between anchors before the deadline monitor
// reports a violation.
const Interval = 24 * time.Hour

// Publication records where one copy of an anchor landed.
type Publication struct {
	Medium   string    `json:"medium"` // "rfc3161", "s3", "gcs"
	Location string    `json:"location"`
	Proof    string    `json:"proof,omitempty"` // base64 token, etag, object generation
	At       time.Time `json:"at"`
}

// Anchor is one published snapshot of the chain tip. The wire names are part
// of the public contract: state_hash is the chain tip at the snapshot, media
// lists where copies landed.
type Anchor struct {
	AnchorID     string        `json:"anchor_id"`
	ChainHeight  int64         `json:"chain_height"`
	TipHash      string        `json:"state_hash"`
	AnchorHash   string        `json:"anchor_hash"` // canonical hash of the snapshot body
	CreatedAt    time.Time     `json:"timestamp"`
	Publications []Publication `json:"media,omitempty"`
}

// Publisher pushes an anchor snapshot to one external medium.
type Publisher interface {
	// Publish writes body (the canonical anchor snapshot) and returns where
	// it landed. hash is the snapshot's canonical SHA-256 hex digest.
	Publish(ctx context.Context, body []byte, hash string) (Publication, error)
	Medium() string
}

// Store persists produced anchors.
type Store interface {
	Save(ctx context.Context, a *Anchor) error
	Latest(ctx context.Context) (*Anchor, error)
	All(ctx context.Context) ([]*Anchor, error)
}

// ErrNoAnchors is returned by Latest on an anchor-less ledger.
var ErrNoAnchors = fmt.Errorf("anchor: none produced yet")

// Producer snapshots the chain tip and publishes it.
type Producer struct {
	chain      chain.Store
	store      Store
	publishers []Publisher
	clock      func() time.Time
	obs        *observability.Provider
	logger     *slog.Logger
}

func NewProducer(chainStore chain.Store, store Store, publishers []Publisher, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		chain:      chainStore,
		store:      store,
		publishers: publishers,
		clock:      time.Now,
		logger:     logger,
	}
}

// WithClock overrides the clock for testing.
func (p *Producer) WithClock(clock func() time.Time) *Producer {
	p.clock = clock
	return p
}

// WithTelemetry instruments anchor production through the given provider.
func (p *Producer) WithTelemetry(obs *observability.Provider) *Producer {
	p.obs = obs
	return p
}

// Produce snapshots the current tip, publishes it everywhere, and stores the
// anchor. Publication failures on individual media are logged and skipped; an
// anchor with at least one publication still counts. Zero publications is an
// error when publishers are configured.
func (p *Producer) Produce(ctx context.Context) (a *Anchor, err error) {
	if p.obs != nil {
		var finish func(error)
		ctx, finish = p.obs.TrackOperation(ctx, "anchor.produce")
		defer func() { finish(err) }()
	}

	tip, height, err := p.chain.Tip(ctx)
	if err != nil {
		return nil, err
	}
	now := p.clock().UTC()

	a = &Anchor{
		AnchorID:    uuid.NewString(),
		ChainHeight: height,
		TipHash:     tip,
		CreatedAt:   now,
	}
	body, hash, err := snapshotBody(a)
	if err != nil {
		return nil, err
	}
	a.AnchorHash = hash

	for _, pub := range p.publishers {
		publication, err := pub.Publish(ctx, body, hash)
		if err != nil {
			p.logger.WarnContext(ctx, "anchor publication failed",
				"medium", pub.Medium(), "anchor_id", a.AnchorID, "error", err)
			continue
		}
		a.Publications = append(a.Publications, publication)
		observability.AddSpanEvent(ctx, "anchor.published",
			observability.AnchorOperation(a.AnchorID, publication.Medium, a.ChainHeight)...)
	}
	if len(p.publishers) > 0 && len(a.Publications) == 0 {
		return nil, fmt.Errorf("anchor %s: every publication failed", a.AnchorID)
	}

	if err := p.store.Save(ctx, a); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "anchor produced",
		"anchor_id", a.AnchorID,
		"chain_height", a.ChainHeight,
		"tip_hash", a.TipHash,
		"publications", len(a.Publications),
	)
	return a, nil
}

// snapshotBody is the canonical JSON the media receive. Publications are not
// part of it; they describe the snapshot, they are not covered by its hash.
func snapshotBody(a *Anchor) ([]byte, string, error) {
	doc := map[string]any{
		"anchor_id":    a.AnchorID,
		"chain_height": a.ChainHeight,
		"state_hash":   a.TipHash,
		"timestamp":    a.CreatedAt.Format(time.RFC3339),
	}
	body, err := canonical.Canonicalize(doc)
	if err != nil {
		return nil, "", err
	}
	hash := canonical.HashBytes(body)
	return body, hash, nil
}

// Anchors returns every produced anchor in order.
func (p *Producer) Anchors(ctx context.Context) ([]*Anchor, error) {
	return p.store.All(ctx)
}

// Reset clears stored anchors when the backing store supports it. It exists
// for the test surface only.
func (p *Producer) Reset(ctx context.Context) error {
	r, ok := p.store.(interface{ Reset(context.Context) error })
	if !ok {
		return fmt.Errorf("anchor store does not support reset")
	}
	return r.Reset(ctx)
}

// Status reports anchoring health for the status endpoint.
type Status struct {
	LatestAnchor *Anchor       `json:"latest_anchor,omitempty"`
	AnchorAge    time.Duration `json:"anchor_age_seconds"`
	Healthy      bool          `json:"healthy"`
	ChainHeight  int64         `json:"chain_height"`
	Unanchored   int64         `json:"unanchored_records"`
}

// StatusOf computes the current anchoring status.
func (p *Producer) StatusOf(ctx context.Context) (*Status, error) {
	_, height, err := p.chain.Tip(ctx)
	if err != nil {
		return nil, err
	}
	s := &Status{ChainHeight: height, Unanchored: height}

	latest, err := p.store.Latest(ctx)
	if err != nil {
		if err == ErrNoAnchors {
			s.Healthy = height == 0
			return s, nil
		}
		return nil, err
	}
	s.LatestAnchor = latest
	s.AnchorAge = p.clock().UTC().Sub(latest.CreatedAt)
	s.Healthy = s.AnchorAge <= Interval
	s.Unanchored = height - latest.ChainHeight
	return s, nil
}

// MarshalJSON reports the age in whole seconds.
func (s *Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		*alias
		AnchorAge int64 `json:"anchor_age_seconds"`
	}{(*alias)(s), int64(s.AnchorAge.Seconds())})
}
