package action

import (
	"context"
	"fmt"

	"github.com/movingally/smsrelay/internal/crm"
)

// Built-in action names.
const (
	NameAddNote       = "add_lead_note"
	NameUpdateLead    = "update_lead"
	NamePaymentLink   = "send_payment_link"
	NameInvoiceLink   = "send_invoice_link"
	NameInventoryLink = "send_inventory_link"
)

// CRM is the subset of the CRM client actions call.
type CRM interface {
	UpdateCustomerInfo(ctx context.Context, u *crm.CustomerInfoUpdate) (*crm.Response, error)
	SendCustomerSMS(ctx context.Context, m *crm.CustomerSMS) (*crm.Response, error)
}

// NoteTypeUpdateDetails records field changes made by update_lead in the
// same turn.
const NoteTypeUpdateDetails = "ai_update_details"

// DefaultNoteTypes are the note categories the CRM displays.
var DefaultNoteTypes = []string{NoteTypeUpdateDetails, "ai_general", "ai_issue", "ai_change_request"}

// BuiltinOptions configures the built-in actions.
type BuiltinOptions struct {
	CRM          CRM
	NoteTypes    []string
	NoteChannel  string
	LinkDelivery LinkDelivery
}

// Builtins returns every built-in action keyed by name.
func Builtins(opts BuiltinOptions) map[string]Action {
	if len(opts.NoteTypes) == 0 {
		opts.NoteTypes = DefaultNoteTypes
	}
	if opts.NoteChannel == "" {
		opts.NoteChannel = "sms"
	}
	if opts.LinkDelivery == "" {
		opts.LinkDelivery = LinkDeliveryReply
	}
	all := []Action{
		newNoteAction(opts.CRM, opts.NoteTypes, opts.NoteChannel),
		&updateAction{crm: opts.CRM},
		newLinkAction(NamePaymentLink, "payment", opts),
		newLinkAction(NameInvoiceLink, "invoice", opts),
		newLinkAction(NameInventoryLink, "inventory", opts),
	}
	out := make(map[string]Action, len(all))
	for _, a := range all {
		out[a.Name()] = a
	}
	return out
}

// NewBuiltinRegistry registers the named built-ins in the given order.
func NewBuiltinRegistry(enabled []string, opts BuiltinOptions) (*Registry, error) {
	builtins := Builtins(opts)
	reg := NewRegistry()
	for _, name := range enabled {
		a, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
