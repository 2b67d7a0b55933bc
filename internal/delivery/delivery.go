// Package delivery sends the final reply of a turn back to the customer.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/crm"
	"github.com/movingally/smsrelay/internal/lead"
	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/delivery")

// Receipt statuses.
const (
	StatusSent    = "sent"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
	// StatusReplayed means the message was already answered on an earlier
	// delivery and nothing was sent.
	StatusReplayed = "replayed"
)

// ErrEmptyBody is returned when there is nothing to send.
var ErrEmptyBody = errors.New("reply body is empty")

// Receipt describes one delivery attempt. Error carries a stable code,
// never the reply text.
type Receipt struct {
	Channel    string `json:"channel"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Sender delivers a reply to the customer behind leadNumbersID.
type Sender interface {
	Send(ctx context.Context, leadNumbersID lead.ID, body string) (*Receipt, error)
}

// SMSClient is the subset of the CRM client CRMSender needs.
type SMSClient interface {
	SendCustomerSMS(ctx context.Context, m *crm.CustomerSMS) (*crm.Response, error)
}

// CRMSender posts replies through the CRM's send-customer-sms endpoint with
// type "sms".
type CRMSender struct {
	client  SMSClient
	channel string
}

// NewCRMSender creates a sender. channel defaults to "sms".
func NewCRMSender(client SMSClient, channel string) *CRMSender {
	if channel == "" {
		channel = "sms"
	}
	return &CRMSender{client: client, channel: channel}
}

// Send posts body. A failed call returns a failed receipt and the CRM error.
func (s *CRMSender) Send(ctx context.Context, leadNumbersID lead.ID, body string) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "delivery.send",
		trace.WithAttributes(
			attribute.String("delivery.channel", s.channel),
			attribute.String("lead.numbers_id", leadNumbersID.String()),
			attribute.Int("delivery.body_length", len(body)),
		))
	defer span.End()

	rc := &Receipt{Channel: s.channel}
	if body == "" {
		rc.Status = StatusFailed
		rc.Error = "empty_body"
		return rc, ErrEmptyBody
	}
	resp, err := s.client.SendCustomerSMS(ctx, &crm.CustomerSMS{
		LeadNumbersID: leadNumbersID,
		Message:       body,
		Type:          crm.MessageTypeSMS,
		Channel:       s.channel,
	})
	if err != nil {
		rc.Status = StatusFailed
		rc.Error = "backend_error"
		var ce *crm.Error
		if errors.As(err, &ce) {
			rc.Error = ce.Code()
			rc.HTTPStatus = ce.HTTPStatus()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, rc.Error)
		log.Warn().
			Func(relayotel.LogTraceFields(ctx)).
			Str("lead_numbers_id", leadNumbersID.String()).
			Str("code", rc.Error).
			Msg("reply_delivery_failed")
		return rc, fmt.Errorf("delivering reply: %w", err)
	}
	rc.Status = StatusSent
	rc.HTTPStatus = resp.Status
	return rc, nil
}

// NopSender reports every reply as skipped. It is used for dry runs and
// when the gateway delivers the HTTP response itself.
type NopSender struct{}

// Send returns a skipped receipt.
func (NopSender) Send(context.Context, lead.ID, string) (*Receipt, error) {
	return &Receipt{Channel: "none", Status: StatusSkipped}, nil
}
