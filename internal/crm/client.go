// Package crm is the HTTP client for the moving CRM's tenant API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/lead"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/crm")

// Endpoint paths on the CRM tenant API.
const (
	PathUpdateCustomerInfo = "/api/tenant/lead/update-customer-info"
	PathSendCustomerSMS    = "/api/tenant/lead/send-customer-sms"
)

// DefaultTimeout bounds one CRM call.
const DefaultTimeout = 10 * time.Second

const (
	maxBodyBytes  = 1 << 20
	maxDetailRune = 160
)

// MessageType tags a send-customer-sms call so the CRM can tell internal
// notes from customer-facing messages.
type MessageType string

const (
	MessageTypeNote          MessageType = "note"
	MessageTypeSMS           MessageType = "sms"
	MessageTypePaymentLink   MessageType = "payment_link"
	MessageTypeInvoiceLink   MessageType = "invoice_link"
	MessageTypeInventoryLink MessageType = "inventory_link"
)

// CustomerInfoUpdate is the update-customer-info payload. Empty fields are
// omitted and left untouched by the CRM.
type CustomerInfoUpdate struct {
	LeadID      lead.ID `json:"lead_id"`
	Name        string  `json:"name,omitempty"`
	Email       string  `json:"email,omitempty"`
	FromZipcode string  `json:"from_zipcode,omitempty"`
	ToZipcode   string  `json:"to_zipcode,omitempty"`
	MoveDate    string  `json:"move_date,omitempty"`
	MoveSize    string  `json:"move_size,omitempty"`
}

// CustomerSMS is the send-customer-sms payload.
type CustomerSMS struct {
	LeadNumbersID lead.ID     `json:"lead_numbers_id"`
	LeadID        lead.ID     `json:"lead_id,omitempty"`
	Message       string      `json:"message"`
	Type          MessageType `json:"type"`
	NoteType      string      `json:"note_type,omitempty"`
	Channel       string      `json:"channel,omitempty"`
}

// Response is a successful CRM reply.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Client calls the CRM. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	sanitizer  *bluemonday.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token for every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates a client for the CRM at baseURL (scheme+host).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		sanitizer:  bluemonday.StrictPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UpdateCustomerInfo writes structured lead fields.
func (c *Client) UpdateCustomerInfo(ctx context.Context, u *CustomerInfoUpdate) (*Response, error) {
	return c.post(ctx, "update_customer_info", PathUpdateCustomerInfo, u)
}

// SendCustomerSMS posts a note or an outbound customer message.
func (c *Client) SendCustomerSMS(ctx context.Context, m *CustomerSMS) (*Response, error) {
	return c.post(ctx, "send_customer_sms", PathSendCustomerSMS, m)
}

func (c *Client) post(ctx context.Context, op, path string, payload any) (*Response, error) {
	ctx, span := tracer.Start(ctx, "crm."+op, trace.WithAttributes(attribute.String("crm.path", path)))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		e := &Error{Op: op, Kind: transportKind(err), Err: err}
		span.SetStatus(codes.Error, e.Code())
		return nil, c.fail(ctx, e, start)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.fail(ctx, &Error{Op: op, Kind: transportKind(err), Status: resp.StatusCode, Err: err}, start)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	// An HTML error page is its own failure mode, whatever the status.
	if !json.Valid(raw) {
		span.SetStatus(codes.Error, "non_json")
		return nil, c.fail(ctx, &Error{Op: op, Kind: ErrNonJSON, Status: resp.StatusCode, Detail: c.summarize(raw)}, start)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, "status")
		return nil, c.fail(ctx, &Error{Op: op, Kind: ErrStatus, Status: resp.StatusCode, Detail: c.summarize(raw)}, start)
	}

	log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("crm_call_succeeded")
	return &Response{Status: resp.StatusCode, Body: raw}, nil
}

func (c *Client) fail(ctx context.Context, e *Error, start time.Time) error {
	log.Warn().
		Str("op", e.Op).
		Str("error_code", e.Code()).
		Int("status", e.Status).
		Str("detail", e.Detail).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Func(relayotel.LogTraceFields(ctx)).
		Msg("crm_call_failed")
	return e
}

// summarize strips markup and truncates so error pages can be logged.
func (c *Client) summarize(raw []byte) string {
	text := strings.Join(strings.Fields(string(c.sanitizer.SanitizeBytes(raw))), " ")
	if r := []rune(text); len(r) > maxDetailRune {
		text = string(r[:maxDetailRune]) + "..."
	}
	return text
}
