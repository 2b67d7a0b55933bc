package action

import (
	"context"
	"encoding/json"
	"net/mail"
	"regexp"
	"sort"

	"github.com/movingally/smsrelay/internal/crm"
	"github.com/movingally/smsrelay/internal/lead"
)

var zipRe = regexp.MustCompile(`^\d{5}$`)

// updateFields are the customer fields update_lead may change.
var updateFields = []string{"name", "email", "from_zipcode", "to_zipcode", "move_date", "move_size"}

type updateAction struct {
	crm CRM
}

func (a *updateAction) Name() string { return NameUpdateLead }

func (a *updateAction) Description() string {
	return "Update customer fields on the lead when the customer states a new value. " +
		"Send only the fields that changed. move_size must be one of the listed sizes and move_date is YYYY-MM-DD."
}

func (a *updateAction) Kind() Kind   { return KindUpdate }
func (a *updateAction) Class() Class { return ClassRepeatable }

var updateSchema = mustSchema(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":         map[string]any{"type": "string", "minLength": 1},
		"email":        map[string]any{"type": "string", "minLength": 3},
		"from_zipcode": map[string]any{"type": "string", "pattern": `^\d{5}$`},
		"to_zipcode":   map[string]any{"type": "string", "pattern": `^\d{5}$`},
		"move_date":    map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"move_size":    map[string]any{"type": "string", "enum": lead.MoveSizes},
	},
	"minProperties":        1,
	"additionalProperties": false,
})

func (a *updateAction) InputSchema() json.RawMessage { return updateSchema }

func (a *updateAction) Validate(call *Call) error {
	if call.Lead.LeadID.Empty() {
		return invalid(NameUpdateLead, "lead_id", "lead has no id")
	}
	for _, f := range updateFields {
		v, ok := call.Params[f].(string)
		if !ok {
			continue
		}
		if err := checkNoPlaceholder(NameUpdateLead, f, v); err != nil {
			return err
		}
		switch f {
		case "move_size":
			if err := lead.ValidateMoveSize(v); err != nil {
				return invalid(NameUpdateLead, f, "%v", err)
			}
		case "move_date":
			if err := lead.ValidateMoveDate(v); err != nil {
				return invalid(NameUpdateLead, f, "%v", err)
			}
		case "from_zipcode", "to_zipcode":
			if !zipRe.MatchString(v) {
				return invalid(NameUpdateLead, f, "must be a 5-digit ZIP code")
			}
		case "email":
			if addr, err := mail.ParseAddress(v); err != nil || addr.Address != v {
				return invalid(NameUpdateLead, f, "not a valid email address")
			}
		}
	}
	return nil
}

func (a *updateAction) Execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	u := &crm.CustomerInfoUpdate{
		LeadID:      call.Lead.LeadID,
		Name:        call.String("name"),
		Email:       call.String("email"),
		FromZipcode: call.String("from_zipcode"),
		ToZipcode:   call.String("to_zipcode"),
		MoveDate:    call.String("move_date"),
		MoveSize:    call.String("move_size"),
	}
	resp, err := a.crm.UpdateCustomerInfo(ctx, u)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(call.Params))
	for k := range call.Params {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return json.Marshal(map[string]any{
		"updated_fields": fields,
		"data":           resp.Body,
	})
}
