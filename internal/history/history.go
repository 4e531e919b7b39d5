// Package history persists one summary row per run, so repeated batches
// (watch mode especially) leave an inspectable trail.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"promptq/internal/config"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Run is one recorded batch run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Model      string
	Prompt     string
	InputPath  string
	Summary    work.Summary
	Err        string
}

// Store is the sqlite-backed run log.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// NewRunID returns a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Open creates the database file (and parent directory) if needed and runs
// the schema migration.
func Open(cfg config.HistoryConfig, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if bt, err := config.ParseDurationField("history.busy_timeout", cfg.BusyTimeout); err == nil && bt > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", bt.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun inserts the started row and returns its id.
func (s *Store) BeginRun(ctx context.Context, model, prompt, inputPath string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("history store is closed")
	}
	id := NewRunID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, model, prompt, input_path) VALUES(?,?,?,?,?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), model, prompt, inputPath,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun fills in the counters for a started run. runErr is the run-fatal
// error, if any; per-item failures live in the counters, not here.
func (s *Store) FinishRun(ctx context.Context, id string, sum work.Summary, runErr error) error {
	if s == nil || s.db == nil {
		return errors.New("history store is closed")
	}
	var errStr any
	if runErr != nil {
		errStr = runErr.Error()
	}
	var cost any
	if sum.EstimatedCost != nil {
		cost = *sum.EstimatedCost
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, total=?, ok=?, skipped=?, incomplete=?, failed=?,
		 prompt_tokens=?, completion_tokens=?, estimated_cost=?, err=?
		 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		sum.Total, sum.Ok, sum.Skipped, sum.Incomplete, sum.Failed,
		sum.TokenUsage.PromptTokens, sum.TokenUsage.CompletionTokens,
		cost, errStr, id,
	)
	return err
}

// Recent returns the newest runs, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is closed")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, model, prompt, input_path,
		        total, ok, skipped, incomplete, failed,
		        prompt_tokens, completion_tokens, estimated_cost, err
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  string
			finished sql.NullString
			cost     sql.NullFloat64
			runErr   sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Model, &r.Prompt, &r.InputPath,
			&r.Summary.Total, &r.Summary.Ok, &r.Summary.Skipped, &r.Summary.Incomplete, &r.Summary.Failed,
			&r.Summary.TokenUsage.PromptTokens, &r.Summary.TokenUsage.CompletionTokens,
			&cost, &runErr); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		if cost.Valid {
			c := cost.Float64
			r.Summary.EstimatedCost = &c
		}
		if runErr.Valid {
			r.Err = runErr.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
