// Package engine runs the admission pipeline: structural validation, temporal
// rules, signature and timestamp verification, then the chain append. It also
// derives decision lifecycle state, which is never stored, only computed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fideslabs/fides/pkg/attest"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/observability"
	"github.com/fideslabs/fides/pkg/records"
)

// Options selects the admission profile. Strict deployments require every
// record to arrive signed and attested; conformance mode verifies whatever is
// present but does not demand it.
type Options struct {
	RequireSignatures  bool
	RequireAttestation bool
}

// Engine validates and admits records against a chain store.
type Engine struct {
	store  chain.Store
	opts   Options
	clock  func() time.Time
	obs    *observability.Provider
	logger *slog.Logger
}

func New(store chain.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, opts: opts, clock: time.Now, logger: logger}
}

// WithClock overrides the admission clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithTelemetry instruments admissions through the given provider.
func (e *Engine) WithTelemetry(obs *observability.Provider) *Engine {
	e.obs = obs
	return e
}

// Store exposes the underlying chain store for read-side handlers.
func (e *Engine) Store() chain.Store { return e.store }

// SubmitDecision validates raw as a DR/SDR and appends it at the tip.
func (e *Engine) SubmitDecision(ctx context.Context, raw []byte) (rec *chain.Record, err error) {
	if e.obs != nil {
		var finish func(error)
		ctx, finish = e.obs.TrackOperation(ctx, "admit.decision")
		defer func() {
			if rec != nil {
				observability.AddSpanEvent(ctx, "record.admitted",
					observability.AdmissionOperation(string(rec.Kind), rec.RecordID, rec.Seq)...)
			}
			finish(err)
		}()
	}
	now := e.clock().UTC()

	r, err := records.ParseDecision(raw)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateTemporal(now); err != nil {
		return nil, err
	}
	if err := e.checkSignatures(r.Document(), r.DecidersID, r.Signatures); err != nil {
		return nil, err
	}
	if err := e.checkAttestation(r.Document(), r.Attestation, r.RecordTimestamp, now); err != nil {
		return nil, err
	}

	rec, err = chain.NewDecisionRecord(r)
	if err != nil {
		return nil, err
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "decision admitted",
		"decision_id", r.DecisionID,
		"kind", string(rec.Kind),
		"seq", rec.Seq,
		"record_hash", rec.Hash,
	)
	return rec, nil
}

// SubmitRevocation validates raw as an RR, checks the revoker's standing
// against the target decision, and appends it at the tip.
func (e *Engine) SubmitRevocation(ctx context.Context, raw []byte) (rec *chain.Record, err error) {
	if e.obs != nil {
		var finish func(error)
		ctx, finish = e.obs.TrackOperation(ctx, "admit.revocation")
		defer func() {
			if rec != nil {
				observability.AddSpanEvent(ctx, "record.admitted",
					observability.AdmissionOperation(string(rec.Kind), rec.RecordID, rec.Seq)...)
			}
			finish(err)
		}()
	}
	now := e.clock().UTC()

	r, err := records.ParseRevocation(raw)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateTemporal(now); err != nil {
		return nil, err
	}

	target, err := e.store.ByRecordID(ctx, r.TargetDecisionID)
	if err != nil {
		return nil, err
	}
	targetDecision, err := decisionFromChain(target)
	if err != nil {
		return nil, err
	}
	if err := checkRevokerStanding(r, targetDecision); err != nil {
		return nil, err
	}

	if err := e.checkSignatures(r.Document(), r.RevokerID, r.Signatures); err != nil {
		return nil, err
	}
	if err := e.checkAttestation(r.Document(), r.Attestation, r.RecordTimestamp, now); err != nil {
		return nil, err
	}

	rec, err = chain.NewRevocationRecord(r)
	if err != nil {
		return nil, err
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "revocation admitted",
		"revocation_id", r.RevocationID,
		"target_decision_id", r.TargetDecisionID,
		"seq", rec.Seq,
	)
	return rec, nil
}

func (e *Engine) checkSignatures(doc map[string]any, signers []string, sigs []records.Signature) error {
	if len(sigs) == 0 && !e.opts.RequireSignatures {
		return nil
	}
	return attest.VerifyRecordSignatures(doc, signers, sigs)
}

func (e *Engine) checkAttestation(doc map[string]any, att *records.Attestation, claimed time.Time, now time.Time) error {
	if att == nil && !e.opts.RequireAttestation {
		return nil
	}
	hash, err := attest.AttestedHash(doc)
	if err != nil {
		return err
	}
	return attest.VerifyTimestampProof(att, hash, claimed, now)
}

// DecisionState is the derived view of a decision at a point in time.
type DecisionState struct {
	Record   *chain.Record
	Decision *records.DecisionRecord
	Status   records.Status
	// RevokedBy is set when Status is revoked.
	RevokedBy string
}

// StateOf derives the lifecycle state of a decision. Revocation is absorbing:
// once any revocation targets the decision it stays revoked, even past an SDR
// term that would otherwise have expired it.
func (e *Engine) StateOf(ctx context.Context, decisionID string) (*DecisionState, error) {
	rec, err := e.store.ByRecordID(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	decision, err := decisionFromChain(rec)
	if err != nil {
		return nil, err
	}

	state := &DecisionState{Record: rec, Decision: decision, Status: records.StatusActive}

	revocations, err := e.store.RevocationsOf(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if len(revocations) > 0 {
		state.Status = records.StatusRevoked
		state.RevokedBy = revocations[0].RecordID
		return state, nil
	}

	if decision.IsSDR && decision.MaximumTerm != nil && e.clock().UTC().After(*decision.MaximumTerm) {
		state.Status = records.StatusExpired
	}
	return state, nil
}

func decisionFromChain(rec *chain.Record) (*records.DecisionRecord, error) {
	if rec.Kind == records.KindRevocation {
		return nil, &records.ValidationError{
			Code:   records.CodeInvalidField,
			Field:  "target_decision_id",
			Detail: fmt.Sprintf("record %s is a revocation, not a decision", rec.RecordID),
		}
	}
	return records.DecisionFromDocument(rec.Document)
}

// checkRevokerStanding enforces who may revoke what.
func checkRevokerStanding(r *records.RevocationRecord, target *records.DecisionRecord) error {
	switch r.RevokerAuthority {
	case "original_decider":
		deciders := make(map[string]bool, len(target.DecidersID))
		for _, d := range target.DecidersID {
			deciders[d] = true
		}
		for _, id := range r.RevokerID {
			if !deciders[id] {
				return notAuthorized("revoker %q is not an original decider of %s", id, target.DecisionID)
			}
		}
	case "oversight_authority":
		if !target.IsSDR {
			return notAuthorized("oversight revocation targets %s, which is not a special decision", target.DecisionID)
		}
		for _, id := range r.RevokerID {
			if id != target.OversightAuthority {
				return notAuthorized("revoker %q is not the designated oversight authority %q", id, target.OversightAuthority)
			}
		}
	case "judicial_authority":
		// court_order presence is enforced at parse time
	case "hierarchical_superior":
		// hierarchy is out of band; standing is attested by signatures
	default:
		return notAuthorized("unknown revoker authority %q", r.RevokerAuthority)
	}
	return nil
}

func notAuthorized(format string, args ...any) *records.ValidationError {
	return &records.ValidationError{
		Code:   records.CodeRevokerNotAllowed,
		Field:  "revoker_id",
		Detail: fmt.Sprintf(format, args...),
	}
}
