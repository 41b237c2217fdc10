package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fideslabs/fides/pkg/records"
)

// SQLStore persists the chain in a relational database. It works against both
// SQLite (modernc.org/sqlite) and Postgres (lib/pq): the table is insert-only
// and the tip check runs inside a transaction, so concurrent appends serialize
// on the database instead of on process memory.
type SQLStore struct {
	db *sql.DB
}

const chainSchema = `
CREATE TABLE IF NOT EXISTS chain_records (
	seq BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	record_id TEXT NOT NULL UNIQUE,
	target_id TEXT NOT NULL DEFAULT '',
	record_hash TEXT NOT NULL UNIQUE,
	previous_record_hash TEXT NOT NULL,
	record_timestamp TIMESTAMP NOT NULL,
	appended_at TIMESTAMP NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_records_target ON chain_records (target_id);
`

// NewSQLStore wraps db and creates the schema if it does not exist.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, stmt := range strings.Split(chainSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("chain schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec *Record) error {
	doc, err := json.Marshal(rec.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	tip, height, err := tipTx(ctx, tx)
	if err != nil {
		return err
	}

	var dup int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_records WHERE record_id = $1 OR record_hash = $2`,
		rec.RecordID, rec.Hash).Scan(&dup)
	if err != nil {
		return err
	}
	if dup > 0 {
		return chainErr(CodeDuplicate, "record %s already admitted", rec.RecordID)
	}
	if rec.PrevHash != tip {
		return staleParent(tip, rec.PrevHash)
	}

	rec.Seq = height + 1
	rec.AppendedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_records
			(seq, kind, record_id, target_id, record_hash, previous_record_hash, record_timestamp, appended_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Seq, string(rec.Kind), rec.RecordID, rec.TargetID, rec.Hash,
		rec.PrevHash, rec.Timestamp.UTC(), rec.AppendedAt, string(doc),
	)
	if err != nil {
		if conflict := appendConflict(err, rec, tip); conflict != nil {
			return conflict
		}
		return err
	}
	return tx.Commit()
}

// appendConflict maps unique violations raised by a concurrent append to
// chain errors. Under read-committed isolation two transactions can both pass
// the tip check; the loser's INSERT then collides on the seq primary key,
// which is the same condition as submitting against a stale parent.
func appendConflict(dbErr error, rec *Record, tip string) error {
	var pqErr *pq.Error
	if errors.As(dbErr, &pqErr) {
		if pqErr.Code != "23505" {
			return nil
		}
		if strings.Contains(pqErr.Constraint, "record_id") || strings.Contains(pqErr.Constraint, "record_hash") {
			return chainErr(CodeDuplicate, "record %s already admitted", rec.RecordID)
		}
		return staleParent(tip, rec.PrevHash)
	}
	msg := dbErr.Error()
	if !strings.Contains(msg, "UNIQUE constraint") && !strings.Contains(msg, "PRIMARY KEY") {
		return nil
	}
	if strings.Contains(msg, "record_id") || strings.Contains(msg, "record_hash") {
		return chainErr(CodeDuplicate, "record %s already admitted", rec.RecordID)
	}
	return staleParent(tip, rec.PrevHash)
}

func tipTx(ctx context.Context, tx *sql.Tx) (string, int64, error) {
	var hash string
	var height int64
	err := tx.QueryRowContext(ctx,
		`SELECT record_hash, seq FROM chain_records ORDER BY seq DESC LIMIT 1`).Scan(&hash, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return records.GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, height, nil
}

func (s *SQLStore) Tip(ctx context.Context) (string, int64, error) {
	var hash string
	var height int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record_hash, seq FROM chain_records ORDER BY seq DESC LIMIT 1`).Scan(&hash, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return records.GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, height, nil
}

const recordColumns = `seq, kind, record_id, target_id, record_hash, previous_record_hash, record_timestamp, appended_at, document`

func (s *SQLStore) BySeq(ctx context.Context, seq int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM chain_records WHERE seq = $1`, seq)
	return scanRecord(row)
}

func (s *SQLStore) ByRecordID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM chain_records WHERE record_id = $1`, id)
	return scanRecord(row)
}

func (s *SQLStore) RevocationsOf(ctx context.Context, decisionID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM chain_records WHERE target_id = $1 ORDER BY seq`, decisionID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *SQLStore) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM chain_records ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Reset truncates the chain. Test surface only.
func (s *SQLStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chain_records`)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind, doc string
	err := row.Scan(&rec.Seq, &kind, &rec.RecordID, &rec.TargetID, &rec.Hash,
		&rec.PrevHash, &rec.Timestamp, &rec.AppendedAt, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("record not found")
	}
	if err != nil {
		return nil, err
	}
	rec.Kind = records.Kind(kind)
	// UseNumber keeps large integers exact so recomputed hashes match.
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&rec.Document); err != nil {
		return nil, chainErr(CodeCorrupt, "stored document is not valid JSON: %v", err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
