package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SQLStore persists anchors in a relational database so the anchoring history
// survives restarts alongside the chain itself. Works against both SQLite
// (modernc.org/sqlite) and Postgres (lib/pq).
type SQLStore struct {
	db *sql.DB
}

const anchorSchema = `
CREATE TABLE IF NOT EXISTS anchors (
	anchor_id TEXT PRIMARY KEY,
	chain_height BIGINT NOT NULL,
	state_hash TEXT NOT NULL,
	anchor_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	media TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_anchors_created ON anchors (created_at);
`

// NewSQLStore wraps db and creates the schema if it does not exist.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, stmt := range strings.Split(anchorSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("anchor schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, a *Anchor) error {
	media, err := json.Marshal(a.Publications)
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchors (anchor_id, chain_height, state_hash, anchor_hash, created_at, media)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.AnchorID, a.ChainHeight, a.TipHash, a.AnchorHash, a.CreatedAt.UTC(), string(media),
	)
	return err
}

const anchorColumns = `anchor_id, chain_height, state_hash, anchor_hash, created_at, media`

func (s *SQLStore) Latest(ctx context.Context) (*Anchor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors ORDER BY created_at DESC, anchor_id DESC LIMIT 1`)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAnchors
	}
	return a, err
}

func (s *SQLStore) All(ctx context.Context) ([]*Anchor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors ORDER BY created_at, anchor_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Anchor, 0)
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Reset truncates the anchor table. Test surface only.
func (s *SQLStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM anchors`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row rowScanner) (*Anchor, error) {
	var a Anchor
	var media string
	err := row.Scan(&a.AnchorID, &a.ChainHeight, &a.TipHash, &a.AnchorHash, &a.CreatedAt, &media)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &a.Publications); err != nil {
		return nil, fmt.Errorf("stored media is not valid JSON: %w", err)
	}
	return &a, nil
}
