package action

import (
	"context"

	"github.com/movingally/smsrelay/internal/lead"
)

// Executed summarizes an invocation already processed in the turn.
type Executed struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Success bool   `json:"success"`
}

// PreconditionInput is what a PreconditionEvaluator sees for one invocation.
type PreconditionInput struct {
	Action     string         `json:"action"`
	Kind       Kind           `json:"kind"`
	LeadStatus lead.Status    `json:"lead_status"`
	Params     map[string]any `json:"params"`
	Executed   []Executed     `json:"executed"`
}

// PreconditionEvaluator decides whether an invocation may run given the lead
// state and what already ran this turn. An empty slice allows it.
type PreconditionEvaluator interface {
	EvaluatePreconditions(ctx context.Context, in *PreconditionInput) ([]Violation, error)
}

// Status rules that hold for every profile.
const (
	CodePaymentLinkBooked = "payment_link_booked"
	CodeInvoiceNotBooked  = "invoice_not_booked"
	CodeUpdateBooked      = "update_booked"
	// CodeEvaluatorUnavailable is used when a configured evaluator errors.
	CodeEvaluatorUnavailable = "precondition_unavailable"
)

func statusGuard(a Action, status lead.Status) []Violation {
	switch {
	case a.Name() == NamePaymentLink && status == lead.StatusBooked:
		return []Violation{{Code: CodePaymentLinkBooked, Reason: "payment link requested for a booked lead"}}
	case a.Name() == NameInvoiceLink && status != lead.StatusBooked:
		return []Violation{{Code: CodeInvoiceNotBooked, Reason: "invoice requested for a lead that is not booked"}}
	case a.Kind() == KindUpdate && status == lead.StatusBooked:
		return []Violation{{Code: CodeUpdateBooked, Reason: "booked leads are changed by a representative"}}
	}
	return nil
}
