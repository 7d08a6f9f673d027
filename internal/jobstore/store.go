package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, kind, owner_id, input_ref, status, result, error_message, created_at, started_at, resolved_at`

// Store persists analysis jobs in SQLite. Every operation touches exactly one
// row; transitions are guarded in the WHERE clause so they stay monotonic
// without cross-job locking.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a pending job and returns its id.
func (s *Store) Create(ctx context.Context, req CreateRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("invalid job kind %q", req.Kind)
	}
	if req.OwnerID == "" {
		return "", fmt.Errorf("owner_id is empty")
	}
	if req.InputRef == "" {
		return "", fmt.Errorf("input_ref is empty")
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO analysis_job(id, kind, owner_id, input_ref, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Kind, req.OwnerID, req.InputRef, StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Get loads a job by id. Returns ErrJobNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_job WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// MarkProcessing moves a pending job to processing.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	now := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE analysis_job
SET status = ?, started_at = ?
WHERE id = ? AND status = ?;
`, StatusProcessing, now, jobID, StatusPending)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// Complete commits a terminal success with the normalized result document.
func (s *Store) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if len(result) == 0 || !json.Valid(result) {
		return fmt.Errorf("complete job: result is not valid JSON")
	}
	return s.resolve(ctx, jobID, StatusCompleted, string(result), nil)
}

// Fail commits a terminal failure with a human-readable message.
func (s *Store) Fail(ctx context.Context, jobID string, message string) error {
	return s.resolve(ctx, jobID, StatusFailed, nil, message)
}

func (s *Store) resolve(ctx context.Context, jobID string, status Status, result, message any) error {
	now := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE analysis_job
SET status = ?, result = ?, error_message = ?, resolved_at = ?
WHERE id = ? AND status IN (?, ?);
`, status, result, message, now, jobID, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("resolve job as %s: %w", status, err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// checkTransition distinguishes "no such job" from "guard rejected the move"
// when an UPDATE touched no rows.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM analysis_job WHERE id = ?;`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, status)
}

// ListUnresolvedBefore returns non-terminal jobs created before cutoff.
func (s *Store) ListUnresolvedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return s.list(ctx, `
SELECT `+jobColumns+`
FROM analysis_job
WHERE status IN (?, ?) AND created_at < ?
ORDER BY created_at ASC;
`, StatusPending, StatusProcessing, cutoff.UTC().Format(timeLayout))
}

// ListResolvedBefore returns terminal jobs resolved before cutoff.
func (s *Store) ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return s.list(ctx, `
SELECT `+jobColumns+`
FROM analysis_job
WHERE status IN (?, ?) AND resolved_at < ?
ORDER BY resolved_at ASC;
`, StatusCompleted, StatusFailed, cutoff.UTC().Format(timeLayout))
}

// Depth returns the number of jobs not yet resolved.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_job WHERE status IN (?, ?);`,
		StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved jobs: %w", err)
	}
	return n, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j           Job
		kind        string
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		createdAtS  string
		startedAtS  sql.NullString
		resolvedAtS sql.NullString
	)
	if err := row.Scan(&j.ID, &kind, &j.OwnerID, &j.InputRef, &status, &result, &errMsg,
		&createdAtS, &startedAtS, &resolvedAtS); err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.Status = Status(status)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if t, err := time.Parse(timeLayout, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.ResolvedAt = parseNullTime(resolvedAtS)
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
