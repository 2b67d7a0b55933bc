package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/lead"
	"github.com/movingally/smsrelay/internal/orchestrator"
	relayotel "github.com/movingally/smsrelay/internal/otel"
	"github.com/movingally/smsrelay/internal/requestctx"
)

// leadDetailsRequest is the CRM gateway's inbound payload.
type leadDetailsRequest struct {
	LeadID        lead.ID        `json:"lead_id"`
	LeadNumbersID lead.ID        `json:"lead_numbers_id"`
	LeadStatus    string         `json:"lead_status"`
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Phone         string         `json:"phone"`
	Phones        []string       `json:"phones"`
	FromZip       string         `json:"from_zip"`
	ToZip         string         `json:"to_zip"`
	FromCity      string         `json:"from_city"`
	ToCity        string         `json:"to_city"`
	MoveDate      string         `json:"move_date"`
	MoveSize      string         `json:"move_size"`
	BookingID     lead.ID        `json:"booking_id"`
	PaymentLink   string         `json:"payment_link"`
	InvoiceLink   string         `json:"invoice_link"`
	InventoryLink string         `json:"inventory_link"`
	BalanceDue    *float64       `json:"balance_due"`
	Notes         string         `json:"notes"`
	SMSContent    string         `json:"sms_content"`
	MessageID     string         `json:"message_id"`
	Context       map[string]any `json:"context"`
	DryRun        bool           `json:"dry_run"`
}

// turnContext builds the per-message CRM snapshot. lead_status is required
// and never inferred.
func (req *leadDetailsRequest) turnContext() (*lead.TurnContext, error) {
	if req.LeadNumbersID.Empty() {
		return nil, errors.New("lead_numbers_id is required")
	}
	if strings.TrimSpace(req.SMSContent) == "" {
		return nil, errors.New("sms_content is required")
	}
	status, err := lead.ParseStatus(req.LeadStatus)
	if err != nil {
		return nil, err
	}
	tc := &lead.TurnContext{
		LeadID:        req.LeadID,
		LeadNumbersID: req.LeadNumbersID,
		Status:        status,
		Customer: lead.Customer{
			Name:     req.Name,
			Email:    req.Email,
			Phones:   req.Phones,
			FromZip:  req.FromZip,
			ToZip:    req.ToZip,
			FromCity: req.FromCity,
			ToCity:   req.ToCity,
			MoveDate: req.MoveDate,
			MoveSize: req.MoveSize,
		},
		BookingID: req.BookingID.String(),
		Notes:     req.Notes,
		Extra:     req.Context,
	}
	if req.Phone != "" {
		tc.Customer.Phones = append([]string{req.Phone}, tc.Customer.Phones...)
	}
	if req.PaymentLink != "" || req.InvoiceLink != "" || req.InventoryLink != "" || req.BalanceDue != nil {
		tc.Payment = &lead.Payment{
			PaymentLink:   req.PaymentLink,
			InvoiceLink:   req.InvoiceLink,
			InventoryLink: req.InventoryLink,
			BalanceDue:    req.BalanceDue,
		}
	}
	return tc, nil
}

// turnSummary is the sdk_result block of the response.
type turnSummary struct {
	TurnID     string          `json:"turn_id"`
	Blocked    bool            `json:"blocked"`
	Reason     string          `json:"reason,omitempty"`
	ReplyText  string          `json:"reply_text"`
	Outcome    string          `json:"outcome"`
	Actions    []action.Result `json:"actions"`
	EvidenceID string          `json:"evidence_id,omitempty"`
}

func (s *Server) handleLeadDetails(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading body: "+err.Error())
		return
	}
	var req leadDetailsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	tc, err := req.turnContext()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	orch, err := s.turns.Get(chi.URLParam(r, "profile"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_profile", err.Error())
		return
	}

	if !s.limiter.Allow(tc.LeadNumbersID.String()) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many messages for this lead")
		return
	}

	correlationID := middleware.GetReqID(r.Context())
	ctx := requestctx.SetCorrelationID(r.Context(), correlationID)
	// A client disconnect must not abort a turn that may already have
	// touched the CRM.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.turnTimeout)
	defer cancel()

	res := orch.RunTurn(ctx, &orchestrator.Request{
		Lead:           tc,
		Text:           req.SMSContent,
		MessageID:      req.MessageID,
		CorrelationID:  correlationID,
		InvocationType: orchestrator.InvocationHTTP,
		DryRun:         req.DryRun,
	})

	log.Info().
		Func(relayotel.LogTraceFields(ctx)).
		Str("turn_id", res.TurnID).
		Str("profile", res.Profile).
		Str("outcome", string(res.Outcome)).
		Str("caller", requestctx.Caller(r.Context())).
		Msg("lead_details_processed")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Lead details received successfully",
		"data":    json.RawMessage(body),
		"sdk_result": turnSummary{
			TurnID:     res.TurnID,
			Blocked:    res.Blocked,
			Reason:     res.Reason,
			ReplyText:  res.Reply,
			Outcome:    string(res.Outcome),
			Actions:    res.Actions,
			EvidenceID: res.EvidenceID,
		},
		"sms_result": res.Delivery,
	})
}
