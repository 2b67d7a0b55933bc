package action

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/movingally/smsrelay/internal/crm"
)

// LinkDelivery selects how link actions reach the customer.
type LinkDelivery string

const (
	// LinkDeliveryReply places the link in the reply text only.
	LinkDeliveryReply LinkDelivery = "reply"
	// LinkDeliverySMS also sends the link through the CRM as its own message.
	LinkDeliverySMS LinkDelivery = "sms"
)

// ParseLinkDelivery validates a configured delivery mode.
func ParseLinkDelivery(s string) (LinkDelivery, error) {
	switch LinkDelivery(s) {
	case "", LinkDeliveryReply:
		return LinkDeliveryReply, nil
	case LinkDeliverySMS:
		return LinkDeliverySMS, nil
	}
	return "", fmt.Errorf("unknown link delivery %q (want reply or sms)", s)
}

type linkSpec struct {
	param       string
	prefix      string
	msgType     crm.MessageType
	description string
}

var linkSpecs = map[string]linkSpec{
	"payment": {
		param:       "payment_link",
		prefix:      "Here is your payment link: ",
		msgType:     crm.MessageTypePaymentLink,
		description: "Send the lead's payment link to the customer. Only for leads with a quote that are not booked yet.",
	},
	"invoice": {
		param:       "invoice_link",
		prefix:      "Here is your invoice: ",
		msgType:     crm.MessageTypeInvoiceLink,
		description: "Send the invoice link to the customer. Only for booked leads.",
	},
	"inventory": {
		param:       "inventory_link",
		prefix:      "Here is your inventory link: ",
		msgType:     crm.MessageTypeInventoryLink,
		description: "Send the inventory form link so the customer can list the items to move.",
	},
}

type linkAction struct {
	name     string
	kind     string
	spec     linkSpec
	crm      CRM
	delivery LinkDelivery
	schema   json.RawMessage
}

func newLinkAction(name, kind string, opts BuiltinOptions) *linkAction {
	spec := linkSpecs[kind]
	return &linkAction{
		name:     name,
		kind:     kind,
		spec:     spec,
		crm:      opts.CRM,
		delivery: opts.LinkDelivery,
		schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				spec.param: map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []string{spec.param},
			"additionalProperties": false,
		}),
	}
}

func (a *linkAction) Name() string                 { return a.name }
func (a *linkAction) Description() string          { return a.spec.description }
func (a *linkAction) Kind() Kind                   { return KindLink }
func (a *linkAction) Class() Class                 { return ClassOnce }
func (a *linkAction) InputSchema() json.RawMessage { return a.schema }

func (a *linkAction) Validate(call *Call) error {
	link := call.String(a.spec.param)
	if err := checkNoPlaceholder(a.name, a.spec.param, link); err != nil {
		return err
	}
	u, err := url.Parse(link)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return invalid(a.name, a.spec.param, "must be an absolute https URL")
	}
	onFile := call.Lead.Link(a.kind)
	if onFile == "" {
		return invalid(a.name, a.spec.param, "lead has no %s link on file", a.kind)
	}
	if link != onFile {
		return invalid(a.name, a.spec.param, "does not match the %s link on file", a.kind)
	}
	return nil
}

func (a *linkAction) Execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	link := call.String(a.spec.param)
	formatted := a.spec.prefix + link
	if a.delivery == LinkDeliverySMS {
		if _, err := a.crm.SendCustomerSMS(ctx, &crm.CustomerSMS{
			LeadNumbersID: call.Lead.LeadNumbersID,
			LeadID:        call.Lead.LeadID,
			Message:       formatted,
			Type:          a.spec.msgType,
		}); err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]any{
		a.spec.param:             link,
		"formatted_for_customer": formatted,
		"delivered_via":          string(a.delivery),
	})
}

// FormattedForCustomer extracts the customer-facing line from a successful
// link result.
func FormattedForCustomer(res Result) string {
	p, ok := linkPayload(res)
	if !ok {
		return ""
	}
	return p.Formatted
}

// ReplyLine returns the customer-facing line when the link must travel in
// the reply text, and "" when it was sent as its own SMS.
func ReplyLine(res Result) string {
	p, ok := linkPayload(res)
	if !ok || res.Replayed || LinkDelivery(p.DeliveredVia) == LinkDeliverySMS {
		return ""
	}
	return p.Formatted
}

type linkResultPayload struct {
	Formatted    string `json:"formatted_for_customer"`
	DeliveredVia string `json:"delivered_via"`
}

func linkPayload(res Result) (linkResultPayload, bool) {
	var p linkResultPayload
	if !res.Success || len(res.Payload) == 0 {
		return p, false
	}
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return p, false
	}
	return p, true
}
