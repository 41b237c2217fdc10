// Package deadline watches the two standing clocks of the ledger: records
// must be covered by an anchor within the registration window, and anchors
// must keep arriving at least daily. Violations are reported, never repaired;
// the chain itself is immutable.
package deadline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fideslabs/fides/pkg/anchor"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/records"
)

// Violation codes; part of the wire contract.
const (
	CodeRegistrationOverdue    = "REGISTRATION_OVERDUE"
	CodeAnchorIntervalExceeded = "ANCHOR_INTERVAL_EXCEEDED"
)

// Violation is one overdue deadline at the time of the report.
type Violation struct {
	Code     string        `json:"code"`
	Detail   string        `json:"detail"`
	RecordID string        `json:"record_id,omitempty"`
	Seq      int64         `json:"seq,omitempty"`
	Overdue  time.Duration `json:"overdue_seconds"`
}

// Monitor computes deadline violations from the chain and anchor stores.
type Monitor struct {
	chain   chain.Store
	anchors anchor.Store
	clock   func() time.Time
	logger  *slog.Logger
}

func NewMonitor(chainStore chain.Store, anchors anchor.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{chain: chainStore, anchors: anchors, clock: time.Now, logger: logger}
}

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Violations reports every currently overdue deadline. The anchor interval is
// checked between every consecutive pair of anchors, not just against the
// newest one: a historic 25-hour gap stays on the report even after anchoring
// resumes.
func (m *Monitor) Violations(ctx context.Context) ([]Violation, error) {
	now := m.clock().UTC()
	out := make([]Violation, 0)

	anchors, err := m.anchors.All(ctx)
	if err != nil && !errors.Is(err, anchor.ErrNoAnchors) {
		return nil, err
	}

	anchoredHeight := int64(0)
	var latest *anchor.Anchor
	for i, a := range anchors {
		if i > 0 {
			if gap := a.CreatedAt.Sub(anchors[i-1].CreatedAt); gap > anchor.Interval {
				out = append(out, Violation{
					Code:    CodeAnchorIntervalExceeded,
					Detail:  fmt.Sprintf("gap of %s between anchors %s and %s, limit is %s", gap.Round(time.Minute), anchors[i-1].AnchorID, a.AnchorID, anchor.Interval),
					Overdue: gap - anchor.Interval,
				})
			}
		}
		latest = a
	}
	if latest != nil {
		anchoredHeight = latest.ChainHeight
		if age := now.Sub(latest.CreatedAt); age > anchor.Interval {
			out = append(out, Violation{
				Code:    CodeAnchorIntervalExceeded,
				Detail:  fmt.Sprintf("last anchor is %s old, limit is %s", age.Round(time.Minute), anchor.Interval),
				Overdue: age - anchor.Interval,
			})
		}
	}

	all, err := m.chain.All(ctx)
	if err != nil {
		return nil, err
	}

	if latest == nil && len(all) > 0 {
		if age := now.Sub(all[0].Timestamp); age > anchor.Interval {
			out = append(out, Violation{
				Code:    CodeAnchorIntervalExceeded,
				Detail:  fmt.Sprintf("chain has records for %s and no anchor has ever been produced", age.Round(time.Minute)),
				Overdue: age - anchor.Interval,
			})
		}
	}

	for _, rec := range all {
		if rec.Seq <= anchoredHeight {
			continue
		}
		// Measured from the record's own record_timestamp, not from the
		// moment this process appended it.
		age := now.Sub(rec.Timestamp)
		if age <= records.RegistrationWindow {
			continue
		}
		out = append(out, Violation{
			Code:     CodeRegistrationOverdue,
			Detail:   fmt.Sprintf("record registered %s ago is still not covered by an anchor", age.Round(time.Minute)),
			RecordID: rec.RecordID,
			Seq:      rec.Seq,
			Overdue:  age - records.RegistrationWindow,
		})
	}
	return out, nil
}

// Run checks violations on every tick until ctx ends, logging what it finds.
func (m *Monitor) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			violations, err := m.Violations(ctx)
			if err != nil {
				m.logger.ErrorContext(ctx, "deadline check failed", "error", err)
				continue
			}
			for _, v := range violations {
				m.logger.WarnContext(ctx, "deadline violation",
					"code", v.Code,
					"record_id", v.RecordID,
					"overdue", v.Overdue.String(),
				)
			}
		}
	}
}

// MarshalJSON reports the overdue duration in whole seconds.
func (v Violation) MarshalJSON() ([]byte, error) {
	type alias Violation
	return json.Marshal(struct {
		alias
		Overdue int64 `json:"overdue_seconds"`
	}{alias(v), int64(v.Overdue.Seconds())})
}
