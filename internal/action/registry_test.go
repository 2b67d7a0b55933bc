package action

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/lead"
)

func TestRegistry_CatalogOrderAndSchemas(t *testing.T) {
	reg := testRegistry(&fakeCRM{})
	cat := reg.Catalog()
	require.Len(t, cat, 5)
	assert.Equal(t, NameAddNote, cat[0].Name)
	assert.Equal(t, NameInventoryLink, cat[4].Name)
	for _, d := range cat {
		assert.True(t, json.Valid(d.Parameters), d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
	}
}

func TestRegistry_RejectsDuplicatesAndUnknown(t *testing.T) {
	reg := testRegistry(&fakeCRM{})
	a, ok := reg.Get(NameAddNote)
	require.True(t, ok)
	assert.Error(t, reg.Register(a))

	_, err := NewBuiltinRegistry([]string{"refund_customer"}, BuiltinOptions{})
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestRegistry_Validate(t *testing.T) {
	reg := testRegistry(&fakeCRM{})
	tc := testLead(lead.StatusQuoteSent)

	tests := []struct {
		name   string
		action string
		params map[string]any
		field  string
	}{
		{"unknown move size", NameUpdateLead, map[string]any{"move_size": "Huge"}, "move_size"},
		{"bad date", NameUpdateLead, map[string]any{"move_date": "2025-02-30"}, "move_date"},
		{"bad zip", NameUpdateLead, map[string]any{"to_zipcode": "9021"}, "to_zipcode"},
		{"placeholder email", NameUpdateLead, map[string]any{"email": "[EMAIL_ADDRESS]"}, "email"},
		{"empty update", NameUpdateLead, map[string]any{}, ""},
		{"unknown field", NameUpdateLead, map[string]any{"status": "booked"}, ""},
		{"bad note type", NameAddNote, map[string]any{"note_type": "ai_rant", "content": "x"}, "note_type"},
		{"json note", NameAddNote, map[string]any{"note_type": "ai_general", "content": `{"a":1}`}, "content"},
		{"link mismatch", NamePaymentLink, map[string]any{"payment_link": "https://evil.example.com/pay"}, "payment_link"},
		{"http link", NamePaymentLink, map[string]any{"payment_link": "http://pay.example.com/p/4521"}, "payment_link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.action, &Call{Lead: tc, Params: tt.params})
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, "invalid_params", ve.Code())
			if tt.field != "" {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}

	t.Run("valid update", func(t *testing.T) {
		err := reg.Validate(NameUpdateLead, &Call{Lead: tc, Params: map[string]any{
			"move_size": "2 Bedrooms", "move_date": "2025-03-14", "email": "ana@example.com", "from_zipcode": "10001",
		}})
		assert.NoError(t, err)
	})

	t.Run("no link on file", func(t *testing.T) {
		bare := testLead(lead.StatusQuoteSent)
		bare.Payment = nil
		err := reg.Validate(NamePaymentLink, &Call{Lead: bare, Params: map[string]any{"payment_link": "https://pay.example.com/p/4521"}})
		assert.ErrorContains(t, err, "no payment link on file")
	})
}
