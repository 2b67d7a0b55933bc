// Package evidence provides an HMAC-signed audit trail for relay turns.
//
// Every turn (replied, blocked, degraded or failed) produces a Record that
// is signed (HMAC-SHA256) and persisted in SQLite. Customer text is stored
// only as a hash, plus an optional secretbox-sealed copy that Open can
// decrypt with the seal key.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/evidence")

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("evidence record not found")

// Store persists HMAC-signed turn records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
	sealer *Sealer
}

// Record is the full audit record for one turn.
type Record struct {
	ID             string       `json:"id"`
	CorrelationID  string       `json:"correlation_id"`
	Timestamp      time.Time    `json:"timestamp"`
	Profile        string       `json:"profile"`
	ProfileVersion string       `json:"profile_version,omitempty"`
	LeadID         string       `json:"lead_id,omitempty"`
	LeadNumbersID  string       `json:"lead_numbers_id"`
	LeadStatus     string       `json:"lead_status"`
	InvocationType string       `json:"invocation_type"`
	Outcome        string       `json:"outcome"`
	States         []string     `json:"states"`
	Guardrails     Guardrails   `json:"guardrails"`
	Execution      Execution    `json:"execution"`
	Actions        []ActionItem `json:"actions,omitempty"`
	Halted         []string     `json:"halted,omitempty"`
	Delivery       *Delivery    `json:"delivery,omitempty"`
	AuditTrail     AuditTrail   `json:"audit_trail"`
	SealedInput    string       `json:"sealed_input,omitempty"`
	Signature      string       `json:"signature"`
}

// Guardrails captures the safety gate verdict.
type Guardrails struct {
	Tripped   bool         `json:"tripped"`
	Rewritten int          `json:"rewritten,omitempty"`
	Checks    []CheckEntry `json:"checks,omitempty"`
}

// CheckEntry is one check's outcome. DetectedCounts uses "type:n" entries.
type CheckEntry struct {
	Name              string   `json:"name"`
	Failed            bool     `json:"failed"`
	Unavailable       bool     `json:"unavailable,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	FlaggedCategories []string `json:"flagged_categories,omitempty"`
	DetectedCounts    []string `json:"detected_counts,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Execution captures the conversation policy call.
type Execution struct {
	Policy     string     `json:"policy,omitempty"`
	Model      string     `json:"model,omitempty"`
	Rounds     int        `json:"rounds,omitempty"`
	Tokens     TokenUsage `json:"tokens"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// TokenUsage captures input/output token counts.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ActionItem records one dispatched invocation.
type ActionItem struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// Delivery records how the reply left the relay.
type Delivery struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// AuditTrail contains content hashes for integrity verification.
type AuditTrail struct {
	InputHash string `json:"input_hash"`
	ReplyHash string `json:"reply_hash"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSealer enables Open for records carrying sealed input.
func WithSealer(s *Sealer) StoreOption {
	return func(st *Store) { st.sealer = s }
}

// NewStore creates an evidence store with HMAC signing.
func NewStore(dbPath string, signingKey string, opts ...StoreOption) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		profile TEXT NOT NULL,
		lead_numbers_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		evidence_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_profile ON evidence(profile);
	CREATE INDEX IF NOT EXISTS idx_evidence_lead ON evidence(lead_numbers_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_timestamp ON evidence(timestamp);
	CREATE INDEX IF NOT EXISTS idx_evidence_correlation ON evidence(correlation_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}

	s := &Store{db: db, signer: signer}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store signs and saves a record. Timestamp is normalized to UTC.
func (s *Store) Store(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "evidence.store",
		trace.WithAttributes(
			attribute.String("evidence.id", rec.ID),
			attribute.String("profile", rec.Profile),
			attribute.String("outcome", rec.Outcome),
		))
	defer span.End()

	rec.Timestamp = rec.Timestamp.UTC()
	rec.Signature = ""
	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	rec.Signature = s.signer.Sign(unsigned)

	signed, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}

	query := `INSERT INTO evidence (id, correlation_id, timestamp, profile, lead_numbers_id, outcome, evidence_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.CorrelationID, rec.Timestamp, rec.Profile, rec.LeadNumbersID,
		rec.Outcome, string(signed), rec.Signature,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing evidence: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	var evidenceJSON string
	err := s.db.QueryRowContext(ctx, `SELECT evidence_json FROM evidence WHERE id = ?`, id).Scan(&evidenceJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(evidenceJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence: %w", err)
	}
	return &rec, nil
}

// Filter narrows List and ListIndex. Zero fields match everything.
type Filter struct {
	Profile       string
	LeadNumbersID string
	Outcome       string
	From, To      time.Time
	Limit         int
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(
			attribute.String("profile", f.Profile),
			attribute.String("outcome", f.Outcome),
		))
	defer span.End()

	query, args := f.where(`SELECT evidence_json FROM evidence WHERE 1=1`)
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	records, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("evidence.count", len(records)))
	return records, nil
}

func (f Filter) where(query string) (string, []interface{}) {
	var args []interface{}
	if f.Profile != "" {
		query += ` AND profile = ?`
		args = append(args, f.Profile)
	}
	if f.LeadNumbersID != "" {
		query += ` AND lead_numbers_id = ?`
		args = append(args, f.LeadNumbersID)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To.UTC())
	}
	return query, args
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var evidenceJSON string
		if err := rows.Scan(&evidenceJSON); err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(evidenceJSON), &rec); err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Verify checks the HMAC signature of a stored record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	signature := rec.Signature
	rec.Signature = ""
	unsigned, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	ok := s.signer.Verify(unsigned, signature)
	span.SetAttributes(attribute.Bool("evidence.valid", ok))
	return ok, nil
}

// Open decrypts the sealed customer text of a record.
func (s *Store) Open(ctx context.Context, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "evidence.open",
		trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	if s.sealer == nil {
		return "", ErrNoSealKey
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.SealedInput == "" {
		return "", ErrNotSealed
	}
	return s.sealer.Open(rec.SealedInput)
}

// Purge deletes records older than before and returns how many were removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "evidence.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging evidence: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("evidence.purged", n))
	return n, nil
}

// Index is a lightweight summary of a record for listings.
type Index struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Profile       string    `json:"profile"`
	LeadNumbersID string    `json:"lead_numbers_id"`
	LeadStatus    string    `json:"lead_status"`
	Outcome       string    `json:"outcome"`
	Blocked       bool      `json:"blocked"`
	Actions       int       `json:"actions"`
	Model         string    `json:"model,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	HasError      bool      `json:"has_error"`
}

// ListIndex returns summaries of records matching f, newest first.
func (s *Store) ListIndex(ctx context.Context, f Filter) ([]Index, error) {
	records, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Index, 0, len(records))
	for i := range records {
		out = append(out, toIndex(&records[i]))
	}
	return out, nil
}

// Timeline returns the turns of the same lead around a record, in
// chronological order, with the record itself included.
func (s *Store) Timeline(ctx context.Context, aroundID string, before, after int) ([]Index, error) {
	ctx, span := tracer.Start(ctx, "evidence.timeline",
		trace.WithAttributes(
			attribute.String("around_id", aroundID),
			attribute.Int("before", before),
			attribute.Int("after", after),
		))
	defer span.End()

	target, err := s.Get(ctx, aroundID)
	if err != nil {
		return nil, fmt.Errorf("finding target evidence: %w", err)
	}

	earlier, err := s.query(ctx, `SELECT evidence_json FROM evidence
	                WHERE lead_numbers_id = ? AND timestamp < ?
	                ORDER BY timestamp DESC LIMIT ?`, target.LeadNumbersID, target.Timestamp, before)
	if err != nil {
		return nil, fmt.Errorf("querying before timeline: %w", err)
	}
	later, err := s.query(ctx, `SELECT evidence_json FROM evidence
	               WHERE lead_numbers_id = ? AND timestamp > ?
	               ORDER BY timestamp ASC LIMIT ?`, target.LeadNumbersID, target.Timestamp, after)
	if err != nil {
		return nil, fmt.Errorf("querying after timeline: %w", err)
	}

	results := make([]Index, 0, len(earlier)+1+len(later))
	for i := len(earlier) - 1; i >= 0; i-- {
		results = append(results, toIndex(&earlier[i]))
	}
	results = append(results, toIndex(target))
	for i := range later {
		results = append(results, toIndex(&later[i]))
	}
	span.SetAttributes(attribute.Int("evidence.timeline_count", len(results)))
	return results, nil
}

func toIndex(rec *Record) Index {
	return Index{
		ID:            rec.ID,
		Timestamp:     rec.Timestamp,
		Profile:       rec.Profile,
		LeadNumbersID: rec.LeadNumbersID,
		LeadStatus:    rec.LeadStatus,
		Outcome:       rec.Outcome,
		Blocked:       rec.Guardrails.Tripped,
		Actions:       len(rec.Actions),
		Model:         rec.Execution.Model,
		DurationMS:    rec.Execution.DurationMS,
		HasError:      rec.Execution.Error != "",
	}
}
