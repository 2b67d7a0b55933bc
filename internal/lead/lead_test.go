package lead

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, st := range Statuses {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	got, err := ParseStatus("  Booked ")
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, got)

	_, err = ParseStatus("paid")
	assert.True(t, errors.Is(err, ErrUnknownStatus))
	_, err = ParseStatus("")
	assert.True(t, errors.Is(err, ErrUnknownStatus))
}

func TestValidateMoveSize(t *testing.T) {
	for _, size := range MoveSizes {
		assert.NoError(t, ValidateMoveSize(size), size)
	}
	for _, bad := range []string{"", "studio", "2BR", "2 bedrooms", "6 Bedrooms", "5+ Bedroom", " Studio"} {
		err := ValidateMoveSize(bad)
		assert.True(t, errors.Is(err, ErrInvalidMoveSize), "expected rejection of %q", bad)
	}
}

func TestValidateMoveDate(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"2025-03-14", true},
		{"2024-02-29", true},
		{"2025-02-29", false},
		{"2025-13-01", false},
		{"03/14/2025", false},
		{"2025-3-14", false},
		{"next friday", false},
		{"2025-03-14T00:00:00Z", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := ValidateMoveDate(tt.in)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidMoveDate))
			}
		})
	}
}

func TestID_JSON(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 4521, "b": "LN-77", "c": null}`), &v))
	assert.Equal(t, ID("4521"), v.A)
	assert.Equal(t, ID("LN-77"), v.B)
	assert.True(t, v.C.Empty())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 4521, "b": "LN-77", "c": ""}`, string(out))

	var bad ID
	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &bad))
}

func TestID_LeadingZeroStaysString(t *testing.T) {
	out, err := json.Marshal(ID("007"))
	require.NoError(t, err)
	assert.Equal(t, `"007"`, string(out))
}

func TestTurnContext_Validate(t *testing.T) {
	tc := &TurnContext{LeadNumbersID: "9", Status: StatusQuoteSent}
	assert.NoError(t, tc.Validate())

	assert.Error(t, (&TurnContext{Status: StatusBooked}).Validate())
	assert.Error(t, (&TurnContext{LeadNumbersID: "9", Status: "paid"}).Validate())
}

func TestTurnContext_Link(t *testing.T) {
	tc := &TurnContext{}
	assert.Empty(t, tc.Link("payment"))

	tc.Payment = &Payment{PaymentLink: "https://pay.example/1", InvoiceLink: "https://inv.example/1"}
	assert.Equal(t, "https://pay.example/1", tc.Link("payment"))
	assert.Equal(t, "https://inv.example/1", tc.Link("invoice"))
	assert.Empty(t, tc.Link("inventory"))
	assert.Empty(t, tc.Link("refund"))
}

func TestTurnContext_RewriteText(t *testing.T) {
	tc := &TurnContext{
		Notes: "call me at 555",
		Extra: map[string]any{"summary": "555 again", "count": 3, "plain": "nothing"},
	}
	n := tc.RewriteText(func(s string) string {
		if s == "nothing" {
			return s
		}
		return "[X]"
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, "[X]", tc.Notes)
	assert.Equal(t, "[X]", tc.Extra["summary"])
	assert.Equal(t, 3, tc.Extra["count"])
	assert.Equal(t, "nothing", tc.Extra["plain"])
}

func TestTurnContext_PromptJSON(t *testing.T) {
	tc := &TurnContext{
		LeadID:        "12",
		LeadNumbersID: "34",
		Status:        StatusNotBooked,
		Customer:      Customer{Name: "Dana", MoveSize: "Studio"},
	}
	s, err := tc.PromptJSON()
	require.NoError(t, err)
	assert.Contains(t, s, `"lead_status":"not_booked"`)
	assert.Contains(t, s, `"lead_id":12`)
	assert.Contains(t, s, `"move_size":"Studio"`)
	assert.NotContains(t, s, "payment")
}
