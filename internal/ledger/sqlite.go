package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/movingally/smsrelay/internal/action"
)

// SQLite persists the ledger so replays survive restarts.
type SQLite struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens or creates the ledger database at dbPath.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	// Claims run read-then-write inside one transaction.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS ledger (
		key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		result_json TEXT,
		claimed_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_expires ON ledger(expires_at);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

// Close releases the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Claim implements action.Ledger.
func (s *SQLite) Claim(ctx context.Context, key string) (*action.Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.claim")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning ledger claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.opts.now()
	var (
		state               string
		resultJSON          sql.NullString
		claimedAt, expireAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT state, result_json, claimed_at, expires_at FROM ledger WHERE key = ?`, key).
		Scan(&state, &resultJSON, &claimedAt, &expireAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("reading ledger entry: %w", err)
	case now.UnixNano() < expireAt && state == stateCompleted:
		var res action.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decoding ledger result: %w", err)
		}
		span.SetAttributes(attribute.Bool("ledger.replay", true))
		return &res, nil
	case now.UnixNano() < expireAt && now.UnixNano()-claimedAt < s.opts.claimTimeout.Nanoseconds():
		span.SetAttributes(attribute.Bool("ledger.in_flight", true))
		return nil, action.ErrInFlight
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO ledger (key, state, result_json, claimed_at, expires_at) VALUES (?, ?, NULL, ?, ?)`,
		key, stateInFlight, now.UnixNano(), now.Add(s.opts.ttl).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("claiming ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ledger claim: %w", err)
	}
	return nil, nil
}

// Complete implements action.Ledger.
func (s *SQLite) Complete(ctx context.Context, key string, res *action.Result) error {
	ctx, span := tracer.Start(ctx, "ledger.complete", trace.WithAttributes(attribute.String("action.name", res.Action)))
	defer span.End()

	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding ledger result: %w", err)
	}
	now := s.opts.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ledger (key, state, result_json, claimed_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		key, stateCompleted, string(b), now.UnixNano(), now.Add(s.opts.ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("completing ledger entry: %w", err)
	}
	return nil
}

// Release implements action.Ledger.
func (s *SQLite) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE key = ? AND state = ?`, key, stateInFlight); err != nil {
		return fmt.Errorf("releasing ledger entry: %w", err)
	}
	return nil
}

// Purge deletes expired entries and returns how many were removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE expires_at <= ?`, s.opts.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("ledger.purged", n))
	return n, nil
}
