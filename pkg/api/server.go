package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fideslabs/fides/pkg/anchor"
	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/config"
	"github.com/fideslabs/fides/pkg/deadline"
	"github.com/fideslabs/fides/pkg/engine"
	"github.com/fideslabs/fides/pkg/payment"
	"github.com/fideslabs/fides/pkg/records"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server wires the admission engine, payment gate, anchor producer, and
// deadline monitor into one HTTP surface.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	gate     *payment.Gate
	producer *anchor.Producer
	monitor  *deadline.Monitor
	logger   *slog.Logger

	// clockOffset shifts the server's notion of now; only the test surface
	// can set it, and only when the surface is enabled.
	clockOffset atomic.Int64
}

func NewServer(cfg *config.Config, e *engine.Engine, gate *payment.Gate,
	producer *anchor.Producer, monitor *deadline.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		engine:   e,
		gate:     gate,
		producer: producer,
		monitor:  monitor,
		logger:   logger,
	}
	e.WithClock(s.now)
	gate.WithClock(s.now)
	producer.WithClock(s.now)
	monitor.WithClock(s.now)
	return s
}

func (s *Server) now() time.Time {
	return time.Now().Add(time.Duration(s.clockOffset.Load()))
}

// Handler builds the routed, rate-limited handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /dr", s.handleSubmitDecision)
	mux.HandleFunc("GET /dr", s.handleListDecisions)
	mux.HandleFunc("GET /dr/{id}", s.handleGetDecision)
	mux.HandleFunc("POST /rr", s.handleSubmitRevocation)
	mux.HandleFunc("GET /rr/{id}", s.handleGetRecord)

	mux.HandleFunc("POST /payment", s.handleExecutePayment)
	mux.HandleFunc("GET /payment", s.handleListPayments)
	mux.HandleFunc("POST /payment/authorize", s.handleAuthorizePayment)
	mux.HandleFunc("GET /payment/{id}", s.handleGetPayment)

	mux.HandleFunc("GET /chain", s.handleChainList)
	mux.HandleFunc("GET /chain/height", s.handleChainHeight)
	mux.HandleFunc("GET /chain/hash", s.handleChainHash)
	mux.HandleFunc("GET /chain/verify", s.handleChainVerify)

	mux.HandleFunc("POST /anchor", s.handleProduceAnchor)
	mux.HandleFunc("GET /anchor", s.handleListAnchors)
	mux.HandleFunc("GET /anchor/status", s.handleAnchorStatus)

	mux.HandleFunc("GET /deadlines/violations", s.handleViolations)

	if s.cfg.TestSurface {
		test := http.NewServeMux()
		test.HandleFunc("POST /_test/clock", s.handleTestClock)
		test.HandleFunc("POST /_test/reset", s.handleTestReset)
		test.HandleFunc("POST /_test/inject", s.handleTestInject)
		test.HandleFunc("GET /_test/raw", s.handleTestRaw)
		mux.Handle("/_test/", TestSurfaceAuth(s.cfg.TestJWTSecret, test))
	}

	limiter := NewGlobalRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)
	return RequestID(limiter.Middleware(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// admittedResponse is the body returned on a successful append.
type admittedResponse struct {
	RecordID     string `json:"record_id"`
	Kind         string `json:"kind"`
	Seq          int64  `json:"seq"`
	RecordHash   string `json:"record_hash"`
	PreviousHash string `json:"previous_record_hash"`
}

func admitted(rec *chain.Record) admittedResponse {
	return admittedResponse{
		RecordID:     rec.RecordID,
		Kind:         string(rec.Kind),
		Seq:          rec.Seq,
		RecordHash:   rec.Hash,
		PreviousHash: rec.PrevHash,
	}
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, r, "", "cannot read request body")
		return
	}
	rec, err := s.engine.SubmitDecision(r.Context(), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, admitted(rec))
}

func (s *Server) handleSubmitRevocation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, r, "", "cannot read request body")
		return
	}
	rec, err := s.engine.SubmitRevocation(r.Context(), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, admitted(rec))
}

// documentView is the stored document with derived fields tucked under
// computed_fields. Canonicalization strips computed_fields, so hashing the
// response as served reproduces the record's own hash.
func documentView(rec *chain.Record, extra map[string]any) map[string]any {
	doc := make(map[string]any, len(rec.Document)+1)
	for k, v := range rec.Document {
		doc[k] = v
	}
	computed := map[string]any{
		"seq":         rec.Seq,
		"record_hash": rec.Hash,
		"kind":        rec.Kind,
	}
	for k, v := range extra {
		computed[k] = v
	}
	doc["computed_fields"] = computed
	return doc
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.StateOf(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	extra := map[string]any{"status": state.Status}
	if state.RevokedBy != "" {
		extra["revoked_by"] = state.RevokedBy
	}
	writeJSON(w, http.StatusOK, documentView(state.Record, extra))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Store().ByRecordID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(rec, nil))
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.Request
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, payment.CodeInvalidRequest, "request body is not a valid payment")
		return
	}
	rec, err := s.gate.Execute(r.Context(), &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAuthorizePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.Request
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, payment.CodeInvalidRequest, "request body is not a valid payment")
		return
	}
	if err := s.gate.Authorize(r.Context(), &req); err != nil {
		var pe *payment.Error
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusOK, map[string]any{
				"authorized":       false,
				"rejection_reason": pe.Code(),
				"detail":           pe.Detail,
			})
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorized": true})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	all, err := s.gate.Ledger().All(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gate.Ledger().ByPaymentID(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, r, "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListDecisions serves the whole chain as a list of stored documents in
// chain order. Revocations are included; dropping them would break the
// previous_record_hash walk a verifier runs over consecutive entries.
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Store().All(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	docs := make([]map[string]any, 0, len(all))
	for _, rec := range all {
		docs = append(docs, documentView(rec, nil))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Store().All(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": all, "height": int64(len(all))})
}

func (s *Server) handleChainHeight(w http.ResponseWriter, r *http.Request) {
	_, height, err := s.engine.Store().Tip(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"height": height})
}

func (s *Server) handleChainHash(w http.ResponseWriter, r *http.Request) {
	tip, height, err := s.engine.Store().Tip(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state_hash": tip, "height": height})
}

func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	if err := chain.Verify(r.Context(), s.engine.Store()); err != nil {
		var ce *chain.Error
		if errors.As(err, &ce) {
			writeJSON(w, http.StatusOK, map[string]any{"valid": false, "code": ce.Code(), "detail": ce.Detail})
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleProduceAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := s.producer.Produce(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	anchors, err := s.producer.Anchors(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if anchors == nil {
		anchors = []*anchor.Anchor{}
	}
	writeJSON(w, http.StatusOK, anchors)
}

func (s *Server) handleAnchorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.producer.StatusOf(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := s.monitor.Violations(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violations,
		"count":      len(violations),
	})
}

// handleTestClock shifts the server clock by a signed offset; the conformance
// harness uses it to age records past their deadlines.
func (s *Server) handleTestClock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OffsetSeconds int64 `json:"offset_seconds"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, "", "body must be {\"offset_seconds\": n}")
		return
	}
	s.clockOffset.Store(req.OffsetSeconds * int64(time.Second))
	writeJSON(w, http.StatusOK, map[string]any{
		"offset_seconds": req.OffsetSeconds,
		"now":            s.now().UTC().Format(time.RFC3339),
	})
}

type resetter interface {
	Reset(ctx context.Context) error
}

// handleTestReset clears the chain and the payment ledger between conformance
// suites. Stores without a Reset hook refuse.
func (s *Server) handleTestReset(w http.ResponseWriter, r *http.Request) {
	cleared := 0
	for _, target := range []any{s.engine.Store(), s.gate.Ledger(), s.producer} {
		res, ok := target.(resetter)
		if !ok {
			WriteProblem(w, r, http.StatusNotImplemented, "", "Not Implemented",
				"configured store does not support reset")
			return
		}
		if err := res.Reset(r.Context()); err != nil {
			WriteInternal(w, r, err)
			return
		}
		cleared++
	}
	s.clockOffset.Store(0)
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "stores": cleared})
}

// handleTestInject appends a document without admission validation, so test
// suites can plant records a live submission would refuse, such as an SDR
// whose maximum_term already passed. The body is {"dr": document} or
// {"rr": document}; an optional top-level record_hash overrides the computed
// hash for tamper scenarios. The tip check still applies.
func (s *Server) handleTestInject(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, r, "", "cannot read request body")
		return
	}
	var req struct {
		DR   map[string]any `json:"dr"`
		RR   map[string]any `json:"rr"`
		Hash string         `json:"record_hash"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil || (req.DR == nil && req.RR == nil) {
		WriteBadRequest(w, r, "", "body must be {\"dr\": document} or {\"rr\": document}")
		return
	}

	doc := req.DR
	kind := records.KindDecision
	idField := "decision_id"
	switch {
	case doc == nil:
		doc = req.RR
		kind = records.KindRevocation
		idField = "revocation_id"
	default:
		if isSDR, _ := doc["is_sdr"].(bool); isSDR {
			kind = records.KindSpecialDecision
		}
	}

	rec := &chain.Record{
		Kind:     kind,
		RecordID: stringField(doc, idField),
		TargetID: stringField(doc, "target_decision_id"),
		PrevHash: stringField(doc, "previous_record_hash"),
		Hash:     req.Hash,
		Document: doc,
	}
	if ts, err := time.Parse(time.RFC3339, stringField(doc, "record_timestamp")); err == nil {
		rec.Timestamp = ts
	}
	if rec.Hash == "" {
		hash, err := canonical.Hash(doc)
		if err != nil {
			WriteBadRequest(w, r, "", "document cannot be canonicalized")
			return
		}
		rec.Hash = hash
	}
	if rec.PrevHash == "" {
		tip, _, err := s.engine.Store().Tip(r.Context())
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		rec.PrevHash = tip
	}

	if err := s.engine.Store().Append(r.Context(), rec); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, admitted(rec))
}

func stringField(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return v
}

// handleTestRaw dumps the chain contents along with the store's mutability
// contract, which the harness asserts is insert-only.
func (s *Server) handleTestRaw(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Store().All(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":        all,
		"height":         int64(len(all)),
		"update_allowed": false,
		"delete_allowed": false,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
