package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/movingally/smsrelay/internal/classifier"
)

// Generator creates and persists turn records.
type Generator struct {
	store   *Store
	sealer  *Sealer
	scanner *classifier.Scanner
	now     func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithSealing stores an encrypted copy of the customer text on each record.
func WithSealing(s *Sealer) GeneratorOption {
	return func(g *Generator) { g.sealer = s }
}

// WithScanner redacts PII from error strings before they are stored.
func WithScanner(sc *classifier.Scanner) GeneratorOption {
	return func(g *Generator) { g.scanner = sc }
}

// NewGenerator creates a generator backed by the given store.
func NewGenerator(store *Store, opts ...GeneratorOption) *Generator {
	g := &Generator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewID returns a turn id ("turn_" plus 8 hex characters).
func NewID() string {
	return "turn_" + uuid.New().String()[:8]
}

// GenerateParams holds the inputs for one record. Callers populate it at
// the end of a turn; the Generator hashes and optionally seals the customer
// text, signs the record and persists it.
type GenerateParams struct {
	ID             string // Turn id; generated when empty
	CorrelationID  string
	Profile        string
	ProfileVersion string
	LeadID         string
	LeadNumbersID  string
	LeadStatus     string
	InvocationType string // "http", "cli" or "dry_run"
	Outcome        string // replied, blocked, degraded or error
	States         []string
	Guardrails     Guardrails
	Execution      Execution
	Actions        []ActionItem
	Halted         []string
	Delivery       *Delivery
	InputText      string // Customer message (hashed, sealed when enabled; never stored verbatim)
	ReplyText      string // Reply sent to the customer (hashed)
}

// Generate creates and stores a record from the given parameters.
func (g *Generator) Generate(ctx context.Context, p GenerateParams) (*Record, error) {
	id := p.ID
	if id == "" {
		id = NewID()
	}
	rec := &Record{
		ID:             id,
		CorrelationID:  p.CorrelationID,
		Timestamp:      g.now(),
		Profile:        p.Profile,
		ProfileVersion: p.ProfileVersion,
		LeadID:         p.LeadID,
		LeadNumbersID:  p.LeadNumbersID,
		LeadStatus:     p.LeadStatus,
		InvocationType: p.InvocationType,
		Outcome:        p.Outcome,
		States:         p.States,
		Guardrails:     p.Guardrails,
		Execution:      p.Execution,
		Actions:        p.Actions,
		Halted:         p.Halted,
		Delivery:       p.Delivery,
		AuditTrail: AuditTrail{
			InputHash: hashString(p.InputText),
			ReplyHash: hashString(p.ReplyText),
		},
	}

	rec.Execution.Error = SanitizeForEvidence(ctx, rec.Execution.Error, g.scanner)
	for i := range rec.Guardrails.Checks {
		rec.Guardrails.Checks[i].Error = SanitizeForEvidence(ctx, rec.Guardrails.Checks[i].Error, g.scanner)
	}
	if rec.Delivery != nil {
		d := *rec.Delivery
		d.Error = SanitizeForEvidence(ctx, d.Error, g.scanner)
		rec.Delivery = &d
	}

	if g.sealer != nil && p.InputText != "" {
		sealed, err := g.sealer.Seal(p.InputText)
		if err != nil {
			// Store the record without the body.
			log.Error().Err(err).Str("evidence_id", id).Msg("evidence_seal_failed")
		} else {
			rec.SealedInput = sealed
		}
	}

	if err := g.store.Store(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:])
}
