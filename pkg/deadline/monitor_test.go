package deadline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fideslabs/fides/pkg/anchor"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/records"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func appendDecision(t *testing.T, store *chain.MemoryStore, prev string) *chain.Record {
	t.Helper()
	return appendDecisionAt(t, store, prev, testNow.Add(-time.Hour))
}

func appendDecisionAt(t *testing.T, store *chain.MemoryStore, prev string, registered time.Time) *chain.Record {
	t.Helper()
	m := map[string]any{
		"decision_id":          uuid.NewString(),
		"authority_id":         "br-gov-treasury",
		"deciders_id":          []any{"minister-a"},
		"act_type":             "grant",
		"currency":             "BRL",
		"maximum_value":        100.0,
		"beneficiary":          "acme",
		"legal_basis":          "law 8.666",
		"decision_date":        registered.Add(-time.Hour).Format(time.RFC3339),
		"previous_record_hash": prev,
		"record_timestamp":     registered.Format(time.RFC3339),
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	parsed, err := records.ParseDecision(raw)
	require.NoError(t, err)
	rec, err := chain.NewDecisionRecord(parsed)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), rec))
	return rec
}

func TestViolationsEmptyLedger(t *testing.T) {
	m := NewMonitor(chain.NewMemoryStore(), anchor.NewMemoryStore(), nil).
		WithClock(func() time.Time { return testNow })
	vs, err := m.Violations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestViolationsFreshRecordsHealthy(t *testing.T) {
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	appendDecision(t, chainStore, records.GenesisHash)

	m := NewMonitor(chainStore, anchor.NewMemoryStore(), nil).
		WithClock(func() time.Time { return testNow.Add(time.Hour) })
	vs, err := m.Violations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestViolationsUnanchoredRecordOverdue(t *testing.T) {
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	rec := appendDecision(t, chainStore, records.GenesisHash)

	m := NewMonitor(chainStore, anchor.NewMemoryStore(), nil).
		WithClock(func() time.Time { return testNow.Add(80 * time.Hour) })
	vs, err := m.Violations(context.Background())
	require.NoError(t, err)

	codes := make(map[string]int)
	for _, v := range vs {
		codes[v.Code]++
		if v.Code == CodeRegistrationOverdue {
			assert.Equal(t, rec.RecordID, v.RecordID)
			assert.Equal(t, 9*time.Hour, v.Overdue)
		}
	}
	assert.Equal(t, 1, codes[CodeRegistrationOverdue])
	assert.Equal(t, 1, codes[CodeAnchorIntervalExceeded], "no anchor was ever produced")
}

func TestViolationsAnchoredRecordNotOverdue(t *testing.T) {
	ctx := context.Background()
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	appendDecision(t, chainStore, records.GenesisHash)

	anchors := anchor.NewMemoryStore()
	producer := anchor.NewProducer(chainStore, anchors, nil, nil).
		WithClock(func() time.Time { return testNow })
	_, err := producer.Produce(ctx)
	require.NoError(t, err)

	// 80h later the record is ancient but anchored; only the anchor interval
	// itself is overdue.
	m := NewMonitor(chainStore, anchors, nil).
		WithClock(func() time.Time { return testNow.Add(80 * time.Hour) })
	vs, err := m.Violations(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, CodeAnchorIntervalExceeded, vs[0].Code)
	assert.Equal(t, 56*time.Hour, vs[0].Overdue)
}

func TestViolationsRecordsPastAnchorHeight(t *testing.T) {
	ctx := context.Background()
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	first := appendDecision(t, chainStore, records.GenesisHash)

	anchors := anchor.NewMemoryStore()
	producer := anchor.NewProducer(chainStore, anchors, nil, nil).
		WithClock(func() time.Time { return testNow })
	_, err := producer.Produce(ctx)
	require.NoError(t, err)

	second := appendDecision(t, chainStore, first.Hash)

	m := NewMonitor(chainStore, anchors, nil).
		WithClock(func() time.Time { return testNow.Add(80 * time.Hour) })
	vs, err := m.Violations(ctx)
	require.NoError(t, err)

	var overdueIDs []string
	for _, v := range vs {
		if v.Code == CodeRegistrationOverdue {
			overdueIDs = append(overdueIDs, v.RecordID)
		}
	}
	assert.Equal(t, []string{second.RecordID}, overdueIDs, "only the record past the anchored height is overdue")
}

func TestViolationsHistoricAnchorGap(t *testing.T) {
	ctx := context.Background()
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	first := appendDecision(t, chainStore, records.GenesisHash)

	anchorClock := testNow
	anchors := anchor.NewMemoryStore()
	producer := anchor.NewProducer(chainStore, anchors, nil, nil).
		WithClock(func() time.Time { return anchorClock })
	_, err := producer.Produce(ctx)
	require.NoError(t, err)

	appendDecision(t, chainStore, first.Hash)
	anchorClock = testNow.Add(25 * time.Hour)
	_, err = producer.Produce(ctx)
	require.NoError(t, err)

	// The latest anchor is fresh, but the gap between the two anchors was 25h.
	m := NewMonitor(chainStore, anchors, nil).
		WithClock(func() time.Time { return testNow.Add(26 * time.Hour) })
	vs, err := m.Violations(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, CodeAnchorIntervalExceeded, vs[0].Code)
	assert.Equal(t, time.Hour, vs[0].Overdue)
}

func TestViolationsOverdueMeasuredFromRecordTimestamp(t *testing.T) {
	// The record was registered 100h ago but only appended to this process's
	// store just now; the registration deadline runs from record_timestamp.
	chainStore := chain.NewMemoryStore().WithClock(func() time.Time { return testNow })
	rec := appendDecisionAt(t, chainStore, records.GenesisHash, testNow.Add(-100*time.Hour))

	m := NewMonitor(chainStore, anchor.NewMemoryStore(), nil).
		WithClock(func() time.Time { return testNow })
	vs, err := m.Violations(context.Background())
	require.NoError(t, err)

	var overdue *Violation
	for i := range vs {
		if vs[i].Code == CodeRegistrationOverdue {
			overdue = &vs[i]
		}
	}
	require.NotNil(t, overdue)
	assert.Equal(t, rec.RecordID, overdue.RecordID)
	assert.Equal(t, 28*time.Hour, overdue.Overdue)
}

func TestViolationJSONShape(t *testing.T) {
	v := Violation{
		Code:    CodeAnchorIntervalExceeded,
		Detail:  "last anchor is 25h0m0s old",
		Overdue: time.Hour,
	}
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 3600, decoded["overdue_seconds"])
	assert.Equal(t, CodeAnchorIntervalExceeded, decoded["code"])
}
