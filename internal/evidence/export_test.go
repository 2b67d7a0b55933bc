package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToExportRecord(t *testing.T) {
	rec := &Record{
		ID:             "turn_1a2b3c4d",
		Timestamp:      time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC),
		Profile:        "countrywide",
		ProfileVersion: "1.0.0:sha256:abc12345",
		LeadNumbersID:  "77",
		LeadStatus:     "booked",
		Outcome:        "degraded",
		Guardrails: Guardrails{Checks: []CheckEntry{
			{Name: "moderation"},
			{Name: "nsfw", Failed: true},
		}},
		Execution: Execution{Model: "gpt-4.1", Tokens: TokenUsage{Input: 10, Output: 20}, DurationMS: 100},
		Actions: []ActionItem{
			{Name: "send_payment_link", Status: "rejected"},
			{Name: "add_lead_note", Status: "skipped"},
		},
		Halted:     []string{"payment_link_booked"},
		AuditTrail: AuditTrail{InputHash: "sha256:abc", ReplyHash: "sha256:def"},
	}

	exp := ToExportRecord(rec)
	assert.Equal(t, []string{"nsfw"}, exp.TrippedChecks)
	assert.Equal(t, []string{"send_payment_link:rejected", "add_lead_note:skipped"}, exp.Actions)
	assert.Equal(t, []string{"payment_link_booked"}, exp.Halted)
	assert.False(t, exp.HasError)

	row := exp.CSVRow()
	require.Len(t, row, len(ExportHeader))
	assert.Equal(t, "turn_1a2b3c4d", row[0])
	assert.Equal(t, "2026-02-21T12:00:00Z", row[1])
	assert.Equal(t, "send_payment_link:rejected;add_lead_note:skipped", row[9])
	assert.Equal(t, "10", row[12])
	assert.Equal(t, "false", row[15])
}
