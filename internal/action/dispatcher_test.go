package action

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/crm"
	"github.com/movingally/smsrelay/internal/lead"
)

func TestDispatch_OneNotePerTurn(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})

	out := d.Dispatch(context.Background(), []Invocation{note("first"), note("second")})
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, StatusRejected, out.Results[1].Status)
	assert.Equal(t, "note_already_logged", out.Results[1].Error.Code)

	_, sms := c.calls()
	assert.Equal(t, 1, sms)
	assert.Equal(t, crm.MessageTypeNote, c.sms[0].Type)
	assert.Equal(t, lead.ID("77"), c.sms[0].LeadNumbersID)
	assert.Equal(t, "sms", c.sms[0].Channel)
}

func TestDispatch_ConcurrentNotesExecuteOnce(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Dispatch(context.Background(), []Invocation{note(string(rune('a' + i)))})
		}(i)
	}
	wg.Wait()

	_, sms := c.calls()
	assert.Equal(t, 1, sms)
}

func TestDispatch_IdentifiersComeFromLead(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})

	out := d.Dispatch(context.Background(), []Invocation{{
		Name:   NameUpdateLead,
		Params: map[string]any{"lead_id": "9999", "lead_numbers_id": 1, "move_size": "Studio"},
	}})
	require.True(t, out.Results[0].Success, "%+v", out.Results[0].Error)
	require.Len(t, c.updates, 1)
	assert.Equal(t, lead.ID("4521"), c.updates[0].LeadID)
	assert.Equal(t, "Studio", c.updates[0].MoveSize)
}

func TestDispatch_UnknownAndInvalidContinue(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})

	out := d.Dispatch(context.Background(), []Invocation{
		{Name: "refund_customer", Params: map[string]any{}},
		{Name: NameUpdateLead, RawParams: "{oops"},
		{Name: NameUpdateLead, Params: map[string]any{"move_size": "Mansion"}},
		note("Customer confirmed the date."),
	})
	require.Len(t, out.Results, 4)
	assert.Equal(t, "unknown_action", out.Results[0].Error.Code)
	assert.Equal(t, "invalid_params", out.Results[1].Error.Code)
	assert.Equal(t, "invalid_params", out.Results[2].Error.Code)
	assert.True(t, out.Results[3].Success)
	assert.Nil(t, out.Halted)
}

func TestDispatch_DuplicateRejected(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})
	upd := Invocation{Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}}

	out := d.Dispatch(context.Background(), []Invocation{upd, upd})
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, "duplicate_invocation", out.Results[1].Error.Code)
	updates, _ := c.calls()
	assert.Equal(t, 1, updates)
}

func TestDispatch_StatusGuardHalts(t *testing.T) {
	tests := []struct {
		name   string
		status lead.Status
		inv    Invocation
		code   string
	}{
		{"payment when booked", lead.StatusBooked, Invocation{Name: NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}}, CodePaymentLinkBooked},
		{"invoice before booking", lead.StatusQuoteSent, Invocation{Name: NameInvoiceLink, Params: map[string]any{"invoice_link": "https://pay.example.com/i/4521"}}, CodeInvoiceNotBooked},
		{"update when booked", lead.StatusBooked, Invocation{Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}}, CodeUpdateBooked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCRM{}
			d := NewDispatcher(testRegistry(c), testLead(tt.status), Options{})
			out := d.Dispatch(context.Background(), []Invocation{
				tt.inv,
				{Name: NameInventoryLink, Params: map[string]any{"inventory_link": "https://inv.example.com/4521"}},
				{Name: NameAddNote, Params: map[string]any{"note_type": NoteTypeUpdateDetails, "content": "Size changed."}},
			})

			require.NotNil(t, out.Halted)
			assert.True(t, errors.Is(out.Halted, ErrPreconditionFailed))
			assert.Equal(t, []string{tt.code}, out.Halted.Codes())
			assert.Equal(t, StatusRejected, out.Results[0].Status)
			assert.Equal(t, StatusSkipped, out.Results[1].Status)
			assert.Equal(t, StatusSkipped, out.Results[2].Status)
			updates, sms := c.calls()
			assert.Zero(t, updates+sms)
		})
	}
}

func TestDispatch_EscalationNoteRunsAfterHalt(t *testing.T) {
	tests := []struct {
		name     string
		status   lead.Status
		inv      Invocation
		noteType string
		code     string
	}{
		{"change request on booked move", lead.StatusBooked, Invocation{Name: NameUpdateLead, Params: map[string]any{"move_date": "2025-03-14"}}, "ai_change_request", CodeUpdateBooked},
		{"payment link before quote", lead.StatusNotBooked, Invocation{Name: NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}}, "ai_issue", "payment_link_not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCRM{}
			notReady := funcEvaluator(func(in *PreconditionInput) ([]Violation, error) {
				if in.Action == NamePaymentLink && in.LeadStatus == lead.StatusNotBooked {
					return []Violation{{Code: "payment_link_not_ready"}}, nil
				}
				return nil, nil
			})
			d := NewDispatcher(testRegistry(c), testLead(tt.status), Options{Evaluator: notReady})
			out := d.Dispatch(context.Background(), []Invocation{
				tt.inv,
				{Name: NameAddNote, Params: map[string]any{"note_type": tt.noteType, "content": "Customer asked for a change."}},
				note("second note"),
			})

			require.NotNil(t, out.Halted)
			assert.Equal(t, []string{tt.code}, out.Halted.Codes())
			assert.Equal(t, StatusRejected, out.Results[0].Status)
			assert.True(t, out.Results[1].Success)
			assert.Equal(t, "note_already_logged", out.Results[2].Error.Code)

			updates, sms := c.calls()
			assert.Zero(t, updates)
			require.Equal(t, 1, sms)
			assert.Equal(t, tt.noteType, c.sms[0].NoteType)
		})
	}
}

func TestDispatch_EvaluatorSeesExecuted(t *testing.T) {
	c := &fakeCRM{}
	var seen []Executed
	eval := funcEvaluator(func(in *PreconditionInput) ([]Violation, error) {
		if in.Kind == KindLink {
			seen = in.Executed
			for _, e := range in.Executed {
				if e.Kind == KindNote && e.Success {
					return []Violation{{Code: "link_after_note", Reason: "note already logged"}}, nil
				}
			}
		}
		return nil, nil
	})
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Evaluator: eval})

	out := d.Dispatch(context.Background(), []Invocation{
		note("asked for link"),
		{Name: NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}},
	})
	require.NotNil(t, out.Halted)
	assert.Equal(t, "link_after_note", out.Halted.Violations[0].Code)
	assert.Equal(t, []Executed{{Name: NameAddNote, Kind: KindNote, Success: true}}, seen)
}

func TestDispatch_EvaluatorErrorFailsClosed(t *testing.T) {
	c := &fakeCRM{}
	eval := funcEvaluator(func(*PreconditionInput) ([]Violation, error) { return nil, errEvaluator })
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Evaluator: eval})

	out := d.Dispatch(context.Background(), []Invocation{note("x")})
	require.NotNil(t, out.Halted)
	assert.Equal(t, CodeEvaluatorUnavailable, out.Halted.Codes()[0])
	_, sms := c.calls()
	assert.Zero(t, sms)
}

func TestDispatch_BackendFailureIsResult(t *testing.T) {
	c := &fakeCRM{err: &crm.Error{Op: "update-customer-info", Kind: crm.ErrNonJSON, Status: 200, Detail: "Login"}}
	failures := NewFailureTracker(1, 0)
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Failures: failures, Profile: "default"})

	out := d.Dispatch(context.Background(), []Invocation{{Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}}})
	res := out.Results[0]
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "backend_non_json", res.Error.Code)
	assert.Equal(t, 200, res.Error.Status)
	assert.Equal(t, 1, failures.Count("default", NameUpdateLead))
	assert.Equal(t, []Executed{{Name: NameUpdateLead, Kind: KindUpdate}}, d.Executed())
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	c := &fakeCRM{panicky: true}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})

	out := d.Dispatch(context.Background(), []Invocation{{Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}}})
	assert.Equal(t, "action_panic", out.Results[0].Error.Code)
}

func TestDispatch_DryRunExecutesNothing(t *testing.T) {
	c := &fakeCRM{}
	d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{DryRun: true})

	out := d.Dispatch(context.Background(), []Invocation{note("x"), {Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}}})
	for _, r := range out.Results {
		assert.True(t, r.Success)
		assert.True(t, r.DryRun)
	}
	updates, sms := c.calls()
	assert.Zero(t, updates+sms)
}

func TestDispatch_LedgerReplaysAcrossDeliveries(t *testing.T) {
	c := &fakeCRM{}
	ledger := newMemLedger()
	key := DeliveryKey("", "77", "what's my payment link?")
	invs := []Invocation{
		note("Customer asked for payment link."),
		{Name: NameUpdateLead, Params: map[string]any{"move_size": "Studio"}},
	}

	first := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Ledger: ledger, DeliveryKey: key}).
		Dispatch(context.Background(), invs)
	second := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Ledger: ledger, DeliveryKey: key}).
		Dispatch(context.Background(), invs)

	assert.False(t, first.Results[0].Replayed)
	assert.True(t, second.Results[0].Replayed)
	assert.True(t, second.Results[0].Success)

	updates, sms := c.calls()
	assert.Equal(t, 1, sms, "note is once-class")
	assert.Equal(t, 2, updates, "update is repeatable")
}

func TestDispatch_LedgerReleasedOnFailure(t *testing.T) {
	c := &fakeCRM{err: &crm.Error{Op: "send-customer-sms", Kind: crm.ErrNetwork}}
	ledger := newMemLedger()
	opts := Options{Ledger: ledger, DeliveryKey: "msg:1"}

	NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), opts).Dispatch(context.Background(), []Invocation{note("x")})
	c.err = nil
	out := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), opts).Dispatch(context.Background(), []Invocation{note("x")})

	assert.True(t, out.Results[0].Success)
	assert.False(t, out.Results[0].Replayed)
}

func TestDispatch_LedgerInFlightAndUnavailable(t *testing.T) {
	c := &fakeCRM{}
	ledger := newMemLedger()
	inv := note("x")
	ledger.claimed[IdempotencyKey("msg:1", NameAddNote, inv.Params)] = true

	out := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Ledger: ledger, DeliveryKey: "msg:1"}).
		Dispatch(context.Background(), []Invocation{inv})
	assert.Equal(t, "in_flight", out.Results[0].Error.Code)

	ledger.err = errors.New("disk full")
	out = NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{Ledger: ledger, DeliveryKey: "msg:2"}).
		Dispatch(context.Background(), []Invocation{inv})
	assert.Equal(t, "ledger_unavailable", out.Results[0].Error.Code)

	_, sms := c.calls()
	assert.Zero(t, sms)
}

func TestLinkActions(t *testing.T) {
	t.Run("reply delivery", func(t *testing.T) {
		c := &fakeCRM{}
		d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})
		out := d.Dispatch(context.Background(), []Invocation{{Name: NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}}})
		require.True(t, out.Results[0].Success)
		assert.Equal(t, "Here is your payment link: https://pay.example.com/p/4521", FormattedForCustomer(out.Results[0]))
		assert.Equal(t, FormattedForCustomer(out.Results[0]), ReplyLine(out.Results[0]))
		_, sms := c.calls()
		assert.Zero(t, sms)
	})

	t.Run("replayed reply delivery", func(t *testing.T) {
		c := &fakeCRM{}
		d := NewDispatcher(testRegistry(c), testLead(lead.StatusQuoteSent), Options{})
		out := d.Dispatch(context.Background(), []Invocation{{Name: NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}}})
		res := out.Results[0]
		res.Replayed = true
		assert.NotEmpty(t, FormattedForCustomer(res))
		assert.Empty(t, ReplyLine(res), "the earlier reply already carried the link")
	})

	t.Run("sms delivery", func(t *testing.T) {
		c := &fakeCRM{}
		reg, err := NewBuiltinRegistry([]string{NameInvoiceLink}, BuiltinOptions{CRM: c, LinkDelivery: LinkDeliverySMS})
		require.NoError(t, err)
		out := NewDispatcher(reg, testLead(lead.StatusBooked), Options{}).
			Dispatch(context.Background(), []Invocation{{Name: NameInvoiceLink, Params: map[string]any{"invoice_link": "https://pay.example.com/i/4521"}}})
		require.True(t, out.Results[0].Success)
		require.Len(t, c.sms, 1)
		assert.Equal(t, crm.MessageTypeInvoiceLink, c.sms[0].Type)
		assert.Equal(t, "Here is your invoice: https://pay.example.com/i/4521", c.sms[0].Message)
		assert.Empty(t, ReplyLine(out.Results[0]))
	})

	_, err := ParseLinkDelivery("carrier-pigeon")
	assert.Error(t, err)
}

func TestOutcome_MarshalJSON(t *testing.T) {
	out := &Outcome{
		Results: []Result{{Action: NamePaymentLink, Status: StatusRejected}},
		Halted:  &PreconditionError{Action: NamePaymentLink, Violations: []Violation{{Code: CodePaymentLinkBooked}}},
	}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[{"action":"send_payment_link","success":false,"status":"rejected"}],"halted":["payment_link_booked"]}`, string(b))
}

func TestIdempotencyKey_Canonical(t *testing.T) {
	a := IdempotencyKey("msg:1", NameAddNote, map[string]any{"content": "x", "note_type": "ai_general"})
	b := IdempotencyKey("msg:1", NameAddNote, map[string]any{"note_type": "ai_general", "content": "x"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, IdempotencyKey("msg:2", NameAddNote, map[string]any{"content": "x", "note_type": "ai_general"}))
	assert.Equal(t, DeliveryKey("", "77", "hi"), DeliveryKey("", "77", "hi"))
	assert.Equal(t, "msg:abc", DeliveryKey("abc", "77", "hi"))
}
