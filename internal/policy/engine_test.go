package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/lead"
)

func newTestProfile() *Profile {
	p := &Profile{
		Profile: ProfileMeta{Name: "testco", Version: "1.0.0"},
		Actions: ActionsConfig{
			Enabled: []string{action.NameAddNote, action.NameUpdateLead, action.NamePaymentLink, action.NameInvoiceLink, action.NameInventoryLink},
			LinkStatus: map[string][]string{
				action.NamePaymentLink: {"quote_generated", "quote_sent"},
				action.NameInvoiceLink: {"booked"},
			},
		},
	}
	p.ComputeHash([]byte("test"))
	applyDefaults(p)
	return p
}

func violationCodes(vs []action.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Code)
	}
	return out
}

func TestEngine_EvaluatePreconditions(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, newTestProfile())
	require.NoError(t, err)

	tests := []struct {
		name  string
		input action.PreconditionInput
		want  []string
	}{
		{
			name:  "payment link for quoted lead",
			input: action.PreconditionInput{Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusQuoteSent},
			want:  []string{},
		},
		{
			name:  "payment link for booked lead",
			input: action.PreconditionInput{Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusBooked},
			want:  []string{"payment_link_booked", "status_not_permitted"},
		},
		{
			name:  "payment link before a quote",
			input: action.PreconditionInput{Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusNotBooked},
			want:  []string{"payment_link_not_ready", "status_not_permitted"},
		},
		{
			name:  "invoice for unbooked lead",
			input: action.PreconditionInput{Action: action.NameInvoiceLink, Kind: action.KindLink, LeadStatus: lead.StatusQuoteSent},
			want:  []string{"invoice_not_booked", "status_not_permitted"},
		},
		{
			name:  "invoice for booked lead",
			input: action.PreconditionInput{Action: action.NameInvoiceLink, Kind: action.KindLink, LeadStatus: lead.StatusBooked},
			want:  []string{},
		},
		{
			name:  "inventory link has no status restriction",
			input: action.PreconditionInput{Action: action.NameInventoryLink, Kind: action.KindLink, LeadStatus: lead.StatusNotBooked},
			want:  []string{},
		},
		{
			name:  "update on booked lead",
			input: action.PreconditionInput{Action: action.NameUpdateLead, Kind: action.KindUpdate, LeadStatus: lead.StatusBooked},
			want:  []string{"update_booked"},
		},
		{
			name: "link after a logged note",
			input: action.PreconditionInput{
				Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusQuoteSent,
				Executed: []action.Executed{{Name: action.NameAddNote, Kind: action.KindNote, Success: true}},
			},
			want: []string{"link_after_note"},
		},
		{
			name: "link after a failed note",
			input: action.PreconditionInput{
				Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusQuoteSent,
				Executed: []action.Executed{{Name: action.NameAddNote, Kind: action.KindNote, Success: false}},
			},
			want: []string{},
		},
		{
			name: "update details note after failed update",
			input: action.PreconditionInput{
				Action: action.NameAddNote, Kind: action.KindNote, LeadStatus: lead.StatusQuoteSent,
				Params:   map[string]any{"note_type": "ai_update_details", "content": "Move date changed."},
				Executed: []action.Executed{{Name: action.NameUpdateLead, Kind: action.KindUpdate, Success: false}},
			},
			want: []string{"update_not_applied"},
		},
		{
			name: "general note after failed update",
			input: action.PreconditionInput{
				Action: action.NameAddNote, Kind: action.KindNote, LeadStatus: lead.StatusQuoteSent,
				Params:   map[string]any{"note_type": "ai_general", "content": "Asked about storage."},
				Executed: []action.Executed{{Name: action.NameUpdateLead, Kind: action.KindUpdate, Success: false}},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.input
			vs, err := engine.EvaluatePreconditions(ctx, &in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, violationCodes(vs))
			for _, v := range vs {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestEngine_EmptyLinkStatusPermitsNothing(t *testing.T) {
	p := newTestProfile()
	p.Actions.LinkStatus[action.NameInventoryLink] = []string{}
	engine, err := NewEngine(context.Background(), p)
	require.NoError(t, err)

	vs, err := engine.EvaluatePreconditions(context.Background(), &action.PreconditionInput{
		Action: action.NameInventoryLink, Kind: action.KindLink, LeadStatus: lead.StatusBooked,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeStatusNotPermitted}, violationCodes(vs))
}

func TestEngine_NoLinkStatusSection(t *testing.T) {
	p := newTestProfile()
	p.Actions.LinkStatus = nil
	engine, err := NewEngine(context.Background(), p)
	require.NoError(t, err)

	vs, err := engine.EvaluatePreconditions(context.Background(), &action.PreconditionInput{
		Action: action.NamePaymentLink, Kind: action.KindLink, LeadStatus: lead.StatusQuoteGenerated,
	})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestEngine_DrivesDispatcher(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, newTestProfile())
	require.NoError(t, err)

	reg, err := action.NewBuiltinRegistry([]string{action.NamePaymentLink, action.NameAddNote}, action.BuiltinOptions{})
	require.NoError(t, err)
	tc := &lead.TurnContext{
		LeadID: "4521", LeadNumbersID: "77", Status: lead.StatusNotBooked,
		Payment: &lead.Payment{PaymentLink: "https://pay.example.com/q/4521"},
	}
	d := action.NewDispatcher(reg, tc, action.Options{Evaluator: engine})

	out := d.Dispatch(ctx, []action.Invocation{
		{Name: action.NamePaymentLink, Params: map[string]any{"payment_link": "https://pay.example.com/q/4521"}},
		{Name: action.NameAddNote, Params: map[string]any{"note_type": action.NoteTypeUpdateDetails, "content": "Payment link sent."}},
	})
	require.NotNil(t, out.Halted)
	assert.Equal(t, []string{"payment_link_not_ready", "status_not_permitted"}, out.Halted.Codes())
	require.Len(t, out.Results, 2)
	assert.Equal(t, action.StatusRejected, out.Results[0].Status)
	assert.Equal(t, action.StatusSkipped, out.Results[1].Status)
}
