package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLLedger persists payment outcomes in a relational database. Insert-only;
// an outcome, once recorded, is part of the audit trail.
type SQLLedger struct {
	db *sql.DB
}

const paymentSchema = `
CREATE TABLE IF NOT EXISTS payments (
	payment_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	currency TEXT NOT NULL,
	beneficiary TEXT NOT NULL,
	request_timestamp TIMESTAMP,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_decision ON payments (decision_id);
`

func NewSQLLedger(ctx context.Context, db *sql.DB) (*SQLLedger, error) {
	for _, stmt := range strings.Split(paymentSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("payment schema: %w", err)
		}
	}
	return &SQLLedger{db: db}, nil
}

func (l *SQLLedger) Record(ctx context.Context, rec *Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO payments
			(payment_id, decision_id, amount_minor, currency, beneficiary, request_timestamp, status, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.PaymentID, rec.DecisionID, rec.Amount.AmountMinor, rec.Amount.Currency,
		rec.Beneficiary, rec.RequestTimestamp.UTC(), string(rec.Status), rec.Reason, rec.RecordedAt.UTC(),
	)
	return err
}

func (l *SQLLedger) SumExecuted(ctx context.Context, decisionID string) (int64, error) {
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(amount_minor) FROM payments WHERE decision_id = $1 AND status = 'executed'`,
		decisionID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

const paymentColumns = `payment_id, decision_id, amount_minor, currency, beneficiary, request_timestamp, status, reason, recorded_at`

func (l *SQLLedger) ByDecision(ctx context.Context, decisionID string) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE decision_id = $1 ORDER BY recorded_at`, decisionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanPayment(rows)
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

func (l *SQLLedger) ByPaymentID(ctx context.Context, paymentID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, paymentID)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rejected(CodeInvalidRequest, "payment %s not found", paymentID)
	}
	return rec, err
}

func (l *SQLLedger) All(ctx context.Context) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY recorded_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanPayment(rows)
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

// Reset truncates the outcome table. Test surface only.
func (l *SQLLedger) Reset(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM payments`)
	return err
}

func (l *SQLLedger) Close() error { return l.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Record, error) {
	var rec Record
	var status string
	err := row.Scan(&rec.PaymentID, &rec.DecisionID, &rec.Amount.AmountMinor, &rec.Amount.Currency,
		&rec.Beneficiary, &rec.RequestTimestamp, &status, &rec.Reason, &rec.RecordedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = PaymentStatus(status)
	return &rec, nil
}
