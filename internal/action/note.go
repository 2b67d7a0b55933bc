package action

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/movingally/smsrelay/internal/classifier"
	"github.com/movingally/smsrelay/internal/crm"
)

// MaxNoteLength bounds note content in characters.
const MaxNoteLength = 1000

type noteAction struct {
	crm       CRM
	noteTypes []string
	channel   string
	schema    json.RawMessage
}

func newNoteAction(c CRM, noteTypes []string, channel string) *noteAction {
	return &noteAction{
		crm:       c,
		noteTypes: noteTypes,
		channel:   channel,
		schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note_type": map[string]any{"type": "string", "enum": noteTypes},
				"content":   map[string]any{"type": "string", "minLength": 1, "maxLength": MaxNoteLength},
				"channel":   map[string]any{"type": "string"},
			},
			"required":             []string{"note_type", "content"},
			"additionalProperties": false,
		}),
	}
}

func (a *noteAction) Name() string { return NameAddNote }

func (a *noteAction) Description() string {
	return "Add one short, structured note to the lead's record summarizing the customer's message. " +
		"Does not change lead or booking fields. At most one note per message."
}

func (a *noteAction) Kind() Kind                   { return KindNote }
func (a *noteAction) Class() Class                 { return ClassOnce }
func (a *noteAction) InputSchema() json.RawMessage { return a.schema }

func (a *noteAction) Validate(call *Call) error {
	content := strings.TrimSpace(call.String("content"))
	if content == "" {
		return invalid(NameAddNote, "content", "must not be blank")
	}
	if utf8.RuneCountInString(content) > MaxNoteLength {
		return invalid(NameAddNote, "content", "longer than %d characters", MaxNoteLength)
	}
	if looksLikeJSON(content) {
		return invalid(NameAddNote, "content", "must be plain text, not JSON")
	}
	if call.Lead.LeadNumbersID.Empty() {
		return invalid(NameAddNote, "lead_numbers_id", "lead has no phone-number record")
	}
	return nil
}

func (a *noteAction) Execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	channel := call.String("channel")
	if channel == "" {
		channel = a.channel
	}
	resp, err := a.crm.SendCustomerSMS(ctx, &crm.CustomerSMS{
		LeadNumbersID: call.Lead.LeadNumbersID,
		LeadID:        call.Lead.LeadID,
		Message:       strings.TrimSpace(call.String("content")),
		Type:          crm.MessageTypeNote,
		NoteType:      call.String("note_type"),
		Channel:       channel,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"note_type": call.String("note_type"),
		"data":      resp.Body,
	})
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return false
	}
	return json.Valid([]byte(s))
}

// checkNoPlaceholder rejects masked values such as "[EMAIL_ADDRESS]".
func checkNoPlaceholder(actionName, field, value string) error {
	if classifier.ContainsPlaceholder(value) {
		return invalid(actionName, field, "contains a redaction placeholder, not a real value")
	}
	return nil
}
