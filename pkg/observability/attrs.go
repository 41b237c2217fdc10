// Ledger-specific semantic attributes and instrumentation helpers.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Record attributes
	AttrRecordKind = attribute.Key("fides.record.kind")
	AttrRecordID   = attribute.Key("fides.record.id")
	AttrChainSeq   = attribute.Key("fides.chain.seq")

	// Payment attributes
	AttrPaymentID      = attribute.Key("fides.payment.id")
	AttrDecisionID     = attribute.Key("fides.decision.id")
	AttrPaymentOutcome = attribute.Key("fides.payment.outcome")

	// Anchor attributes
	AttrAnchorID     = attribute.Key("fides.anchor.id")
	AttrAnchorMedium = attribute.Key("fides.anchor.medium")
	AttrChainHeight  = attribute.Key("fides.chain.height")

	// Deadline attributes
	AttrViolationCode = attribute.Key("fides.violation.code")
)

// AdmissionOperation creates attributes for a record admission.
func AdmissionOperation(kind, recordID string, seq int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRecordKind.String(kind),
		AttrRecordID.String(recordID),
		AttrChainSeq.Int64(seq),
	}
}

// PaymentOperation creates attributes for a payment execution.
func PaymentOperation(paymentID, decisionID, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPaymentID.String(paymentID),
		AttrDecisionID.String(decisionID),
		AttrPaymentOutcome.String(outcome),
	}
}

// AnchorOperation creates attributes for an anchor publication.
func AnchorOperation(anchorID, medium string, chainHeight int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnchorID.String(anchorID),
		AttrAnchorMedium.String(medium),
		AttrChainHeight.Int64(chainHeight),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records RED metrics and a span per request.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status", strconv.Itoa(rec.status)),
		}
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError && p.errorCounter != nil {
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	})
}
