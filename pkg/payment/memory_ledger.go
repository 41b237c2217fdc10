package payment

import (
	"context"
	"sync"
)

// MemoryLedger keeps payment outcomes in process memory.
type MemoryLedger struct {
	mu         sync.RWMutex
	ordered    []*Record
	byPayment  map[string]*Record
	byDecision map[string][]*Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byPayment:  make(map[string]*Record),
		byDecision: make(map[string][]*Record),
	}
}

func (l *MemoryLedger) Record(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byPayment[rec.PaymentID]; ok {
		return rejected(CodeInvalidRequest, "payment %s already recorded", rec.PaymentID)
	}
	l.ordered = append(l.ordered, rec)
	l.byPayment[rec.PaymentID] = rec
	l.byDecision[rec.DecisionID] = append(l.byDecision[rec.DecisionID], rec)
	return nil
}

func (l *MemoryLedger) All(_ context.Context) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.ordered))
	copy(out, l.ordered)
	return out, nil
}

func (l *MemoryLedger) SumExecuted(_ context.Context, decisionID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, rec := range l.byDecision[decisionID] {
		if rec.Status == StatusExecuted {
			total += rec.Amount.AmountMinor
		}
	}
	return total, nil
}

func (l *MemoryLedger) ByDecision(_ context.Context, decisionID string) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.byDecision[decisionID]))
	copy(out, l.byDecision[decisionID])
	return out, nil
}

func (l *MemoryLedger) ByPaymentID(_ context.Context, paymentID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byPayment[paymentID]
	if !ok {
		return nil, rejected(CodeInvalidRequest, "payment %s not found", paymentID)
	}
	return rec, nil
}

// Reset drops every outcome. Test surface only.
func (l *MemoryLedger) Reset(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ordered = nil
	l.byPayment = make(map[string]*Record)
	l.byDecision = make(map[string][]*Record)
	return nil
}

func (l *MemoryLedger) Close() error { return nil }
