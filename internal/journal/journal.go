// Package journal persists terminal results of batch runs for later
// inspection. The dispatcher itself keeps no persistent state; the journal is
// a write-only audit surface fed from the result stream.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/drover/internal/dispatch"
)

const maxOutputBytes = 64 * 1024

var ErrRunNotFound = errors.New("run not found")

// Journal records runs and their per-target attempts in SQLite.
type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Run is one journalled batch invocation.
type Run struct {
	ID          string
	Name        string
	Command     string
	TargetCount int
	StartedAt   time.Time
	FinishedAt  *time.Time
	Succeeded   int
	Failed      int
}

// Attempt is one journalled per-target outcome, interim stalls included.
type Attempt struct {
	ID          string
	RunID       string
	Target      string
	Attempt     int
	Succeeded   bool
	Stalled     bool
	ErrorLine   string
	Output      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Begin registers a new run and returns its ID.
func (j *Journal) Begin(ctx context.Context, name, command string, targetCount int) (string, error) {
	if name == "" {
		return "", fmt.Errorf("run name is empty")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := j.db.ExecContext(ctx, `
INSERT INTO run(id, name, command, target_count, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, name, command, targetCount, now)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// Record appends one result to the run. Output is truncated to keep the
// journal bounded; the full text was already streamed to the caller.
func (j *Journal) Record(ctx context.Context, runID string, res dispatch.JobResult) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}

	output := strings.Join(res.Output, "\n")
	if len(output) > maxOutputBytes {
		cut := maxOutputBytes
		// Back off to a rune boundary so the stored text stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut]
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO run_attempt(
  id, run_id, target, attempt, succeeded, stalled, error_line, output, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		fmt.Sprintf("%s-%s-%d", runID, res.Target, res.Attempt),
		runID, string(res.Target), res.Attempt,
		boolInt(res.Succeeded), boolInt(res.Stalled),
		res.ErrorLine, output,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Finish marks the run complete with its terminal tallies.
func (j *Journal) Finish(ctx context.Context, runID string, succeeded, failed int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := j.db.ExecContext(ctx, `
UPDATE run SET finished_at = ?, succeeded = ?, failed = ? WHERE id = ?;
`, now, succeeded, failed, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads one run by ID.
func (j *Journal) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, name, command, target_count, started_at, finished_at, succeeded, failed
FROM run WHERE id = ?;
`, runID)

	var (
		r         Run
		startedS  string
		finishedS sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Command, &r.TargetCount, &startedS, &finishedS, &r.Succeeded, &r.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		r.StartedAt = t
	}
	if finishedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedS.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

// Attempts returns all journalled attempts of a run, oldest first.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, target, attempt, succeeded, stalled, error_line, output, started_at, completed_at
FROM run_attempt
WHERE run_id = ?
ORDER BY completed_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			succeeded  int
			stalled    int
			errorLine  sql.NullString
			startedS   string
			completedS string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Target, &a.Attempt, &succeeded, &stalled,
			&errorLine, &a.Output, &startedS, &completedS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Succeeded = succeeded != 0
		a.Stalled = stalled != 0
		if errorLine.Valid {
			a.ErrorLine = errorLine.String
		}
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			a.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
			a.CompletedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes runs (and their attempts) older than retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM run_attempt WHERE run_id IN (SELECT id FROM run WHERE started_at < ?);
`, cutoff); err != nil {
		return fmt.Errorf("prune attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run WHERE started_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
