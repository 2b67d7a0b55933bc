package action

import (
	"context"
	"errors"
	"sync"

	"github.com/movingally/smsrelay/internal/crm"
	"github.com/movingally/smsrelay/internal/lead"
)

type fakeCRM struct {
	mu      sync.Mutex
	updates []*crm.CustomerInfoUpdate
	sms     []*crm.CustomerSMS
	err     error
	panicky bool
}

func (f *fakeCRM) UpdateCustomerInfo(_ context.Context, u *crm.CustomerInfoUpdate) (*crm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicky {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, u)
	return &crm.Response{Status: 200, Body: []byte(`{"success":true}`)}, nil
}

func (f *fakeCRM) SendCustomerSMS(_ context.Context, m *crm.CustomerSMS) (*crm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sms = append(f.sms, m)
	return &crm.Response{Status: 200, Body: []byte(`{"id":1}`)}, nil
}

func (f *fakeCRM) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates), len(f.sms)
}

type memLedger struct {
	mu      sync.Mutex
	entries map[string]*Result
	claimed map[string]bool
	err     error
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[string]*Result{}, claimed: map[string]bool{}}
}

func (l *memLedger) Claim(_ context.Context, key string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if r, ok := l.entries[key]; ok {
		return r, nil
	}
	if l.claimed[key] {
		return nil, ErrInFlight
	}
	l.claimed[key] = true
	return nil, nil
}

func (l *memLedger) Complete(_ context.Context, key string, res *Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := *res
	l.entries[key] = &r
	delete(l.claimed, key)
	return nil
}

func (l *memLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, key)
	return nil
}

type funcEvaluator func(in *PreconditionInput) ([]Violation, error)

func (f funcEvaluator) EvaluatePreconditions(_ context.Context, in *PreconditionInput) ([]Violation, error) {
	return f(in)
}

var errEvaluator = errors.New("evaluator down")

func testLead(status lead.Status) *lead.TurnContext {
	return &lead.TurnContext{
		LeadID:        "4521",
		LeadNumbersID: "77",
		Status:        status,
		Payment: &lead.Payment{
			PaymentLink:   "https://pay.example.com/p/4521",
			InvoiceLink:   "https://pay.example.com/i/4521",
			InventoryLink: "https://inv.example.com/4521",
		},
	}
}

func testRegistry(c CRM) *Registry {
	reg, err := NewBuiltinRegistry([]string{NameAddNote, NameUpdateLead, NamePaymentLink, NameInvoiceLink, NameInventoryLink}, BuiltinOptions{CRM: c})
	if err != nil {
		panic(err)
	}
	return reg
}

func note(content string) Invocation {
	return Invocation{Name: NameAddNote, Params: map[string]any{"note_type": "ai_general", "content": content}}
}
