package evidence

import (
	"strconv"
	"strings"
	"time"
)

// ExportRecord is a flat projection of a Record for CSV and JSON exports.
// Used by `smsrelay audit export`.
type ExportRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Profile        string    `json:"profile"`
	ProfileVersion string    `json:"profile_version,omitempty"`
	LeadNumbersID  string    `json:"lead_numbers_id"`
	LeadStatus     string    `json:"lead_status"`
	Outcome        string    `json:"outcome"`
	Blocked        bool      `json:"blocked"`
	TrippedChecks  []string  `json:"tripped_checks,omitempty"`
	Actions        []string  `json:"actions,omitempty"`
	Halted         []string  `json:"halted,omitempty"`
	Model          string    `json:"model,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	DurationMS     int64     `json:"duration_ms"`
	HasError       bool      `json:"has_error"`
	InputHash      string    `json:"input_hash,omitempty"`
	ReplyHash      string    `json:"reply_hash,omitempty"`
}

// ExportHeader is the CSV header matching ExportRecord.CSVRow.
var ExportHeader = []string{
	"id", "timestamp", "profile", "profile_version", "lead_numbers_id", "lead_status",
	"outcome", "blocked", "tripped_checks", "actions", "halted", "model",
	"input_tokens", "output_tokens", "duration_ms", "has_error", "input_hash", "reply_hash",
}

// ToExportRecord flattens a Record. Actions are rendered as "name:status".
func ToExportRecord(r *Record) ExportRecord {
	rec := ExportRecord{
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		Profile:        r.Profile,
		ProfileVersion: r.ProfileVersion,
		LeadNumbersID:  r.LeadNumbersID,
		LeadStatus:     r.LeadStatus,
		Outcome:        r.Outcome,
		Blocked:        r.Guardrails.Tripped,
		Model:          r.Execution.Model,
		InputTokens:    r.Execution.Tokens.Input,
		OutputTokens:   r.Execution.Tokens.Output,
		DurationMS:     r.Execution.DurationMS,
		HasError:       r.Execution.Error != "",
		InputHash:      r.AuditTrail.InputHash,
		ReplyHash:      r.AuditTrail.ReplyHash,
	}
	for _, c := range r.Guardrails.Checks {
		if c.Failed {
			rec.TrippedChecks = append(rec.TrippedChecks, c.Name)
		}
	}
	for _, a := range r.Actions {
		rec.Actions = append(rec.Actions, a.Name+":"+a.Status)
	}
	if len(r.Halted) > 0 {
		rec.Halted = append([]string(nil), r.Halted...)
	}
	return rec
}

// CSVRow renders the record in ExportHeader order. List fields are joined
// with ";".
func (r *ExportRecord) CSVRow() []string {
	return []string{
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Profile,
		r.ProfileVersion,
		r.LeadNumbersID,
		r.LeadStatus,
		r.Outcome,
		boolString(r.Blocked),
		strings.Join(r.TrippedChecks, ";"),
		strings.Join(r.Actions, ";"),
		strings.Join(r.Halted, ";"),
		r.Model,
		itoa(int64(r.InputTokens)),
		itoa(int64(r.OutputTokens)),
		itoa(r.DurationMS),
		boolString(r.HasError),
		r.InputHash,
		r.ReplyHash,
	}
}

func boolString(b bool) string {
	return strconv.FormatBool(b)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
