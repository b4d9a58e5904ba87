package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/ratio-decidendi/internal/ratio"
)

var ErrNotFound = errors.New("run not found")

var _ ratio.RunRecorder = (*SQLiteStore)(nil)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SQLiteStore keeps one row per run and, for completed runs only, the ordered
// conversation history. Failed runs record the failing stage and error text.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	case_id          TEXT NOT NULL,
	variant          TEXT NOT NULL DEFAULT '',
	recording        TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	ratio            TEXT NOT NULL DEFAULT '',
	record           TEXT,
	stages_executed  TEXT NOT NULL DEFAULT '[]',
	failed_stage     TEXT NOT NULL DEFAULT '',
	completed_stages INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	input_truncated  INTEGER NOT NULL DEFAULT 0,
	started_at       TEXT NOT NULL,
	completed_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_case_id ON runs (case_id, started_at);

CREATE TABLE IF NOT EXISTS turns (
	run_id   TEXT NOT NULL,
	position INTEGER NOT NULL,
	role     TEXT NOT NULL,
	content  TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type runRow struct {
	RunID           string         `db:"run_id"`
	CaseID          string         `db:"case_id"`
	Variant         string         `db:"variant"`
	Recording       string         `db:"recording"`
	Status          string         `db:"status"`
	Ratio           string         `db:"ratio"`
	Record          sql.NullString `db:"record"`
	StagesExecuted  string         `db:"stages_executed"`
	FailedStage     string         `db:"failed_stage"`
	CompletedStages int            `db:"completed_stages"`
	Error           string         `db:"error"`
	InputTruncated  bool           `db:"input_truncated"`
	StartedAt       string         `db:"started_at"`
	CompletedAt     string         `db:"completed_at"`
}

type turnRow struct {
	RunID    string `db:"run_id"`
	Position int    `db:"position"`
	Role     string `db:"role"`
	Content  string `db:"content"`
}

// Run is a stored run as read back from the database.
type Run struct {
	RunID           string
	CaseID          string
	Variant         string
	Recording       string
	Status          string
	Ratio           string
	Record          *ratio.RatioRecord
	StagesExecuted  []string
	FailedStage     string
	CompletedStages int
	Error           string
	InputTruncated  bool
	StartedAt       time.Time
	CompletedAt     time.Time
	Messages        []ratio.Turn
}

const insertRun = `INSERT INTO runs (run_id, case_id, variant, recording, status, ratio, record, stages_executed,
	failed_stage, completed_stages, error, input_truncated, started_at, completed_at)
VALUES (:run_id, :case_id, :variant, :recording, :status, :ratio, :record, :stages_executed,
	:failed_stage, :completed_stages, :error, :input_truncated, :started_at, :completed_at)`

// SaveResult stores a completed run with its full history in one transaction.
func (s *SQLiteStore) SaveResult(ctx context.Context, res ratio.Result) error {
	runID := res.Metadata.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	stages, _ := json.Marshal(nonNil(res.Metadata.StagesExecuted))
	row := runRow{
		RunID:           runID,
		CaseID:          res.Request.CaseID,
		Variant:         res.Metadata.Variant,
		Recording:       res.Metadata.Recording,
		Status:          StatusCompleted,
		Ratio:           finalRatio(res),
		StagesExecuted:  string(stages),
		CompletedStages: len(res.Metadata.StagesExecuted),
		InputTruncated:  res.Metadata.InputTruncated,
		StartedAt:       formatTime(res.Metadata.StartedAt),
		CompletedAt:     formatTime(res.Metadata.CompletedAt),
	}
	if res.Record != nil {
		b, err := json.Marshal(res.Record)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		row.Record = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.NamedExecContext(ctx, insertRun, row); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, t := range res.Messages {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO turns (run_id, position, role, content) VALUES (:run_id, :position, :role, :content)`,
			turnRow{RunID: runID, Position: i, Role: t.Role.String(), Content: t.Content},
		); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SaveFailure records a failed run. No history is stored.
func (s *SQLiteStore) SaveFailure(ctx context.Context, req ratio.RequestEnvelope, variant string, runErr error) error {
	now := formatTime(s.now())
	row := runRow{
		RunID:           uuid.NewString(),
		CaseID:          req.CaseID,
		Variant:         variant,
		Status:          StatusFailed,
		StagesExecuted:  "[]",
		FailedStage:     ratio.StageNameFromError(runErr),
		CompletedStages: ratio.CompletedStages(runErr),
		StartedAt:       now,
		CompletedAt:     now,
	}
	if runErr != nil {
		row.Error = runErr.Error()
	}
	if _, err := s.db.NamedExecContext(ctx, insertRun, row); err != nil {
		return fmt.Errorf("insert failed run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (Run, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	run, err := row.toRun()
	if err != nil {
		return Run{}, err
	}
	var turns []turnRow
	if err := s.db.SelectContext(ctx, &turns, `SELECT * FROM turns WHERE run_id = ? ORDER BY position`, runID); err != nil {
		return Run{}, err
	}
	for _, t := range turns {
		var role ratio.Role
		if err := role.UnmarshalText([]byte(t.Role)); err != nil {
			return Run{}, fmt.Errorf("turn %d: %w", t.Position, err)
		}
		run.Messages = append(run.Messages, ratio.Turn{Role: role, Content: t.Content})
	}
	return run, nil
}

// ListByCase returns the runs for caseID, oldest first, without history.
func (s *SQLiteStore) ListByCase(ctx context.Context, caseID string) ([]Run, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs WHERE case_id = ? ORDER BY started_at, run_id`, caseID); err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (r runRow) toRun() (Run, error) {
	run := Run{
		RunID:           r.RunID,
		CaseID:          r.CaseID,
		Variant:         r.Variant,
		Recording:       r.Recording,
		Status:          r.Status,
		Ratio:           r.Ratio,
		FailedStage:     r.FailedStage,
		CompletedStages: r.CompletedStages,
		Error:           r.Error,
		InputTruncated:  r.InputTruncated,
	}
	if err := json.Unmarshal([]byte(r.StagesExecuted), &run.StagesExecuted); err != nil {
		return Run{}, fmt.Errorf("decode stages_executed: %w", err)
	}
	if r.Record.Valid && r.Record.String != "" {
		var rec ratio.RatioRecord
		if err := json.Unmarshal([]byte(r.Record.String), &rec); err != nil {
			return Run{}, fmt.Errorf("decode record: %w", err)
		}
		run.Record = &rec
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, r.StartedAt)
	run.CompletedAt, _ = time.Parse(time.RFC3339Nano, r.CompletedAt)
	return run, nil
}

func finalRatio(res ratio.Result) string {
	if res.Record != nil {
		return res.Record.RatioDecidendi
	}
	return strings.TrimSpace(res.Final.Content)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
