// Package payment gates execution of payments against admitted decisions.
// Authorization is cumulative: every executed payment against a decision
// counts against its maximum_value, and the check-then-record step is
// serialized per decision so concurrent requests cannot overspend.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fideslabs/fides/pkg/engine"
	"github.com/fideslabs/fides/pkg/observability"
	"github.com/fideslabs/fides/pkg/records"
)

// Rejection codes; part of the wire contract.
const (
	CodeRevoked             = "REVOKED"
	CodeSDRExpired          = "SDR_EXPIRED"
	CodeMaximumExceeded     = "MAXIMUM_VALUE_EXCEEDED"
	CodeCurrencyMismatch    = "CURRENCY_MISMATCH"
	CodeBeneficiaryMismatch = "BENEFICIARY_MISMATCH"
	CodeBeforeDecision      = "PAYMENT_BEFORE_DECISION"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidRequest      = "INVALID_PAYMENT_REQUEST"
)

// Error is a payment rejection with a machine-readable code.
type Error struct {
	ErrCode string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment: %s: %s", e.ErrCode, e.Detail)
}

// Code returns the rejection code for API responses.
func (e *Error) Code() string { return e.ErrCode }

func rejected(code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Detail: fmt.Sprintf(format, args...)}
}

// Request is a payment submitted for execution against a decision.
type Request struct {
	PaymentID        string    `json:"payment_id"`
	DecisionID       string    `json:"decision_id"`
	Amount           float64   `json:"payment_amount"`
	Currency         string    `json:"payment_currency"`
	Beneficiary      string    `json:"payment_beneficiary"`
	RequestTimestamp time.Time `json:"request_timestamp"`
}

// PaymentStatus is the recorded outcome of a request.
type PaymentStatus string

const (
	StatusExecuted PaymentStatus = "executed"
	StatusRejected PaymentStatus = "rejected"
)

// Record is a persisted payment outcome. Rejected payments are recorded too;
// the audit trail covers what was refused, not just what was paid.
type Record struct {
	PaymentID        string        `json:"payment_id"`
	DecisionID       string        `json:"decision_id"`
	Amount           Money         `json:"amount"`
	Beneficiary      string        `json:"payment_beneficiary"`
	RequestTimestamp time.Time     `json:"request_timestamp"`
	Status           PaymentStatus `json:"status"`
	Reason           string        `json:"rejection_reason,omitempty"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// Ledger persists payment outcomes and answers the cumulative-spend query.
type Ledger interface {
	// Record appends a payment outcome. PaymentID is unique across outcomes.
	Record(ctx context.Context, rec *Record) error
	// SumExecuted returns the total executed against decisionID in minor units.
	SumExecuted(ctx context.Context, decisionID string) (int64, error)
	// ByDecision returns all outcomes recorded against decisionID.
	ByDecision(ctx context.Context, decisionID string) ([]*Record, error)
	// ByPaymentID returns one outcome.
	ByPaymentID(ctx context.Context, paymentID string) (*Record, error)
	// All returns every recorded outcome.
	All(ctx context.Context) ([]*Record, error)
	Close() error
}

// Gate authorizes and executes payments. Execution serializes per decision:
// the authorization check and the ledger write happen under the decision's
// lock, so two racing payments can never both fit under the same remaining
// budget.
type Gate struct {
	engine *engine.Engine
	ledger Ledger
	locks  *keyedMutex
	clock  func() time.Time
	obs    *observability.Provider
	logger *slog.Logger
}

func NewGate(e *engine.Engine, ledger Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		engine: e,
		ledger: ledger,
		locks:  newKeyedMutex(),
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithTelemetry instruments executions through the given provider.
func (g *Gate) WithTelemetry(obs *observability.Provider) *Gate {
	g.obs = obs
	return g
}

// Ledger exposes the outcome store for read-side handlers.
func (g *Gate) Ledger() Ledger { return g.ledger }

func (g *Gate) validate(req *Request) (Money, error) {
	if req.PaymentID == "" {
		req.PaymentID = uuid.NewString()
	}
	if _, err := uuid.Parse(req.PaymentID); err != nil {
		return Money{}, rejected(CodeInvalidRequest, "payment_id must be a UUID")
	}
	if req.DecisionID == "" {
		return Money{}, rejected(CodeInvalidRequest, "decision_id is required")
	}
	amount, err := FromDecimal(req.Amount, req.Currency)
	if err != nil {
		return Money{}, rejected(CodeInvalidAmount, "%v", err)
	}
	if !amount.IsPositive() {
		return Money{}, rejected(CodeInvalidAmount, "payment_amount must be positive")
	}
	return amount, nil
}

// Authorize answers whether the payment would be allowed right now without
// recording anything. The answer can go stale immediately; Execute re-checks
// under the decision lock.
func (g *Gate) Authorize(ctx context.Context, req *Request) error {
	amount, err := g.validate(req)
	if err != nil {
		return err
	}
	return g.check(ctx, req, amount)
}

// Execute authorizes the payment under the decision's lock and records the
// outcome, rejected or executed, in the payment ledger.
func (g *Gate) Execute(ctx context.Context, req *Request) (rec *Record, err error) {
	if g.obs != nil {
		var finish func(error)
		ctx, finish = g.obs.TrackOperation(ctx, "payment.execute")
		defer func() {
			if rec != nil {
				observability.AddSpanEvent(ctx, "payment.recorded",
					observability.PaymentOperation(rec.PaymentID, rec.DecisionID, string(rec.Status))...)
			}
			finish(err)
		}()
	}

	amount, err := g.validate(req)
	if err != nil {
		return nil, err
	}

	unlock, err := g.locks.lock(ctx, req.DecisionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec = &Record{
		PaymentID:        req.PaymentID,
		DecisionID:       req.DecisionID,
		Amount:           amount,
		Beneficiary:      req.Beneficiary,
		RequestTimestamp: req.RequestTimestamp,
		Status:           StatusExecuted,
		RecordedAt:       g.clock().UTC(),
	}

	if err := g.check(ctx, req, amount); err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			rec = nil
			return nil, err
		}
		rec.Status = StatusRejected
		rec.Reason = pe.Code()
		if lerr := g.ledger.Record(ctx, rec); lerr != nil {
			rec = nil
			return nil, lerr
		}
		g.logger.InfoContext(ctx, "payment rejected",
			"payment_id", rec.PaymentID,
			"decision_id", rec.DecisionID,
			"rejection_reason", rec.Reason,
		)
		return rec, pe
	}

	if err := g.ledger.Record(ctx, rec); err != nil {
		rec = nil
		return nil, err
	}
	g.logger.InfoContext(ctx, "payment executed",
		"payment_id", rec.PaymentID,
		"decision_id", rec.DecisionID,
		"amount_minor", rec.Amount.AmountMinor,
		"currency", rec.Amount.Currency,
	)
	return rec, nil
}

// check runs the authorization rules against the decision's current state and
// cumulative spend.
func (g *Gate) check(ctx context.Context, req *Request, amount Money) error {
	state, err := g.engine.StateOf(ctx, req.DecisionID)
	if err != nil {
		return err
	}
	switch state.Status {
	case records.StatusRevoked:
		return rejected(CodeRevoked, "decision %s was revoked by %s", req.DecisionID, state.RevokedBy)
	case records.StatusExpired:
		return rejected(CodeSDRExpired, "decision %s passed its maximum_term", req.DecisionID)
	}

	decision := state.Decision
	if req.Currency != decision.Currency {
		return rejected(CodeCurrencyMismatch, "payment currency %s does not match decision currency %s", req.Currency, decision.Currency)
	}
	if req.Beneficiary != decision.Beneficiary {
		return rejected(CodeBeneficiaryMismatch, "payment beneficiary %q does not match decision beneficiary %q", req.Beneficiary, decision.Beneficiary)
	}
	if !req.RequestTimestamp.IsZero() && req.RequestTimestamp.Before(decision.DecisionDate) {
		return rejected(CodeBeforeDecision, "request_timestamp precedes decision_date")
	}

	maximum, err := FromDecimal(decision.MaximumValue, decision.Currency)
	if err != nil {
		return fmt.Errorf("decision %s has unusable maximum_value: %w", req.DecisionID, err)
	}
	spent, err := g.ledger.SumExecuted(ctx, req.DecisionID)
	if err != nil {
		return err
	}
	if spent+amount.AmountMinor > maximum.AmountMinor {
		return rejected(CodeMaximumExceeded,
			"cumulative spend %d + %d exceeds maximum %d (minor units)",
			spent, amount.AmountMinor, maximum.AmountMinor)
	}
	return nil
}
