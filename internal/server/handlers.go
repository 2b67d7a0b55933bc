package server

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/movingally/smsrelay/internal/evidence"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"profiles": s.turns.Names(),
	})
}

func filterFromQuery(r *http.Request, defaultLimit int) evidence.Filter {
	q := r.URL.Query()
	f := evidence.Filter{
		Profile:       q.Get("profile"),
		LeadNumbersID: q.Get("lead_numbers_id"),
		Outcome:       q.Get("outcome"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if v := q.Get("from"); v != "" {
		f.From, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		f.To, _ = time.Parse(time.RFC3339, v)
	}
	return f
}

func (s *Server) handleTurnList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.evidenceStore.ListIndex(r.Context(), filterFromQuery(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"hint":    "use GET /v1/turns/<id> for the full record",
	})
}

func (s *Server) handleTurnGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.evidenceStore.Get(r.Context(), id)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTurnVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.evidenceStore.Verify(r.Context(), id)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleTurnTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	if before <= 0 {
		before = 3
	}
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	if after <= 0 {
		after = 3
	}
	entries, err := s.evidenceStore.Timeline(r.Context(), id, before, after)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"around":  id,
		"before":  before,
		"after":   after,
		"entries": entries,
	})
}

func (s *Server) handleTurnExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be csv or json")
		return
	}
	list, err := s.evidenceStore.List(r.Context(), filterFromQuery(r, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	records := make([]evidence.ExportRecord, len(list))
	for i := range list {
		records[i] = evidence.ToExportRecord(&list[i])
	}
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write(evidence.ExportHeader)
		for i := range records {
			_ = cw.Write(records[i].CSVRow())
		}
		cw.Flush()
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type profileSummary struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	VersionTag     string   `json:"version_tag"`
	Hash           string   `json:"hash"`
	Default        bool     `json:"default"`
	Model          string   `json:"model"`
	Checks         []string `json:"checks"`
	Actions        []string `json:"actions"`
	LinkDelivery   string   `json:"link_delivery"`
	DryRun         bool     `json:"dry_run,omitempty"`
	ConfigWarnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	out := make([]profileSummary, 0, len(s.turns.Names()))
	for _, name := range s.turns.Names() {
		o, err := s.turns.Get(name)
		if err != nil {
			continue
		}
		p := o.Profile()
		out = append(out, profileSummary{
			Name:           p.Profile.Name,
			Version:        p.Profile.Version,
			VersionTag:     p.VersionTag,
			Hash:           p.Hash,
			Default:        name == s.turns.Default(),
			Model:          p.Conversation.Model,
			Checks:         p.Guardrails.Enabled(),
			Actions:        p.Actions.Enabled,
			LinkDelivery:   p.Actions.LinkDelivery,
			DryRun:         p.Actions.DryRun,
			ConfigWarnings: p.Warnings,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": out})
}
