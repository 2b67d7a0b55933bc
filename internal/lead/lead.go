// Package lead models the CRM snapshot a turn runs against: lead identity,
// booking status, customer fields and payment state.
package lead

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the CRM booking status of a lead. It is authoritative and is
// never inferred from conversation content.
type Status string

const (
	StatusNotBooked      Status = "not_booked"
	StatusQuoteGenerated Status = "quote_generated"
	StatusQuoteSent      Status = "quote_sent"
	StatusBooked         Status = "booked"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusNotBooked, StatusQuoteGenerated, StatusQuoteSent, StatusBooked}

// ErrUnknownStatus is returned by ParseStatus for values outside Statuses.
var ErrUnknownStatus = errors.New("unknown lead status")

// ParseStatus validates s. Case and surrounding whitespace are ignored.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether st is one of the known statuses.
func (st Status) Valid() bool {
	for _, known := range Statuses {
		if st == known {
			return true
		}
	}
	return false
}

// MoveSizes is the closed set of size categories the CRM accepts.
var MoveSizes = []string{"Studio", "1 Bedroom", "2 Bedrooms", "3 Bedrooms", "4 Bedrooms", "5+ Bedrooms"}

// ErrInvalidMoveSize and ErrInvalidMoveDate are returned by the validators below.
var (
	ErrInvalidMoveSize = errors.New("invalid move size")
	ErrInvalidMoveDate = errors.New("invalid move date")
)

// ValidateMoveSize rejects anything outside MoveSizes. Values are never coerced.
func ValidateMoveSize(s string) error {
	for _, size := range MoveSizes {
		if s == size {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (allowed: %s)", ErrInvalidMoveSize, s, strings.Join(MoveSizes, ", "))
}

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidateMoveDate requires a real calendar date in YYYY-MM-DD form.
func ValidateMoveDate(s string) error {
	if !isoDate.MatchString(s) {
		return fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidMoveDate, s)
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return fmt.Errorf("%w: %q is not a calendar date", ErrInvalidMoveDate, s)
	}
	return nil
}

// Customer holds the optional customer fields known to the CRM.
type Customer struct {
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Phones   []string `json:"phones,omitempty"`
	FromZip  string   `json:"from_zip,omitempty"`
	ToZip    string   `json:"to_zip,omitempty"`
	FromCity string   `json:"from_city,omitempty"`
	ToCity   string   `json:"to_city,omitempty"`
	MoveDate string   `json:"move_date,omitempty"`
	MoveSize string   `json:"move_size,omitempty"`
}

// Payment holds links and balance for a lead. Links are the only URLs an
// action may send to a customer.
type Payment struct {
	PaymentLink   string   `json:"payment_link,omitempty"`
	InvoiceLink   string   `json:"invoice_link,omitempty"`
	InventoryLink string   `json:"inventory_link,omitempty"`
	BalanceDue    *float64 `json:"balance_due,omitempty"`
}

// TurnContext is the per-message CRM snapshot. It is built once per inbound
// message; only the PII redaction pass may rewrite its free-text fields.
type TurnContext struct {
	LeadID        ID             `json:"lead_id,omitempty"`
	LeadNumbersID ID             `json:"lead_numbers_id"`
	Status        Status         `json:"lead_status"`
	Customer      Customer       `json:"customer"`
	BookingID     string         `json:"booking_id,omitempty"`
	Payment       *Payment       `json:"payment,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Validate checks the fields a turn cannot run without.
func (tc *TurnContext) Validate() error {
	if tc.LeadNumbersID.Empty() {
		return errors.New("lead_numbers_id is required")
	}
	if !tc.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, tc.Status)
	}
	return nil
}

// Link returns the link on file for kind ("payment", "invoice" or "inventory").
func (tc *TurnContext) Link(kind string) string {
	if tc.Payment == nil {
		return ""
	}
	switch kind {
	case "payment":
		return tc.Payment.PaymentLink
	case "invoice":
		return tc.Payment.InvoiceLink
	case "inventory":
		return tc.Payment.InventoryLink
	}
	return ""
}

// RewriteText applies fn to the free-text context fields (notes and string
// values in Extra) and returns how many values changed.
func (tc *TurnContext) RewriteText(fn func(string) string) int {
	changed := 0
	if tc.Notes != "" {
		if out := fn(tc.Notes); out != tc.Notes {
			tc.Notes = out
			changed++
		}
	}
	for k, v := range tc.Extra {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if out := fn(s); out != s {
			tc.Extra[k] = out
			changed++
		}
	}
	return changed
}

// PromptJSON renders the context block the conversation policy sees.
func (tc *TurnContext) PromptJSON() (string, error) {
	b, err := json.Marshal(tc)
	if err != nil {
		return "", fmt.Errorf("rendering crm context: %w", err)
	}
	return string(b), nil
}
