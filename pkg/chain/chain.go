// Package chain stores the append-only, hash-chained record ledger. Records
// are admitted at the tip under a compare-and-swap on previous_record_hash;
// nothing is ever updated or deleted.
package chain

import (
	"context"
	"time"

	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/records"
)

// Record is one chained entry. Hash is the canonical SHA-256 of Document
// (computed fields stripped), PrevHash links it to its predecessor.
type Record struct {
	Seq        int64          `json:"seq"`
	Kind       records.Kind   `json:"kind"`
	RecordID   string         `json:"record_id"`
	TargetID   string         `json:"target_id,omitempty"` // revocations only
	Hash       string         `json:"record_hash"`
	PrevHash   string         `json:"previous_record_hash"`
	Timestamp  time.Time      `json:"record_timestamp"`
	AppendedAt time.Time      `json:"appended_at"`
	Document   map[string]any `json:"document"`
}

// Store is the persistence contract for the chain. Implementations must make
// Append atomic with respect to the tip check.
type Store interface {
	// Append admits rec at the tip. It fails with a STALE_PARENT error when
	// rec.PrevHash is not the current tip hash and with DUPLICATE_RECORD when
	// rec.RecordID or rec.Hash was already admitted. On success rec.Seq and
	// rec.AppendedAt are filled in.
	Append(ctx context.Context, rec *Record) error

	// Tip returns the current head hash and chain height. An empty chain
	// reports the genesis hash at height 0.
	Tip(ctx context.Context) (hash string, height int64, err error)

	// BySeq returns the record at 1-based position seq.
	BySeq(ctx context.Context, seq int64) (*Record, error)

	// ByRecordID returns the record with the given decision or revocation id.
	ByRecordID(ctx context.Context, id string) (*Record, error)

	// RevocationsOf returns all revocation records targeting decisionID, in
	// chain order.
	RevocationsOf(ctx context.Context, decisionID string) ([]*Record, error)

	// All returns every record in chain order.
	All(ctx context.Context) ([]*Record, error)

	Close() error
}

// NewDecisionRecord builds a chain record from a parsed decision. The hash is
// always recomputed from the canonical document; a record_hash submitted by
// the authority must match it.
func NewDecisionRecord(r *records.DecisionRecord) (*Record, error) {
	hash, err := verifiedHash(r.Document(), r.RecordHash)
	if err != nil {
		return nil, err
	}
	return &Record{
		Kind:      r.Kind(),
		RecordID:  r.DecisionID,
		Hash:      hash,
		PrevHash:  r.PreviousRecordHash,
		Timestamp: r.RecordTimestamp,
		Document:  r.Document(),
	}, nil
}

// NewRevocationRecord builds a chain record from a parsed revocation.
func NewRevocationRecord(r *records.RevocationRecord) (*Record, error) {
	hash, err := verifiedHash(r.Document(), r.RecordHash)
	if err != nil {
		return nil, err
	}
	return &Record{
		Kind:      records.KindRevocation,
		RecordID:  r.RevocationID,
		TargetID:  r.TargetDecisionID,
		Hash:      hash,
		PrevHash:  r.PreviousRecordHash,
		Timestamp: r.RecordTimestamp,
		Document:  r.Document(),
	}, nil
}

func verifiedHash(doc map[string]any, claimed string) (string, error) {
	hash, err := canonical.Hash(doc)
	if err != nil {
		return "", err
	}
	if claimed != "" && claimed != hash {
		return "", chainErr(CodeHashMismatch, "submitted record_hash %s does not match canonical hash %s", claimed, hash)
	}
	return hash, nil
}

// Verify walks the whole chain in store, recomputing every hash and link.
// It returns nil only if the ledger is intact end to end.
func Verify(ctx context.Context, store Store) error {
	all, err := store.All(ctx)
	if err != nil {
		return err
	}
	prev := records.GenesisHash
	for _, rec := range all {
		if rec.PrevHash != prev {
			return chainErr(CodeCorrupt, "link broken at seq %d: previous_record_hash %s, want %s", rec.Seq, rec.PrevHash, prev)
		}
		recomputed, err := canonical.Hash(rec.Document)
		if err != nil {
			return chainErr(CodeCorrupt, "record at seq %d cannot be canonicalized: %v", rec.Seq, err)
		}
		if recomputed != rec.Hash {
			return chainErr(CodeCorrupt, "hash mismatch at seq %d: stored %s, recomputed %s", rec.Seq, rec.Hash, recomputed)
		}
		prev = rec.Hash
	}
	return nil
}
