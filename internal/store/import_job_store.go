package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ImportStatusPending    = "pending"
	ImportStatusProcessing = "processing"
	ImportStatusCompleted  = "completed"
	ImportStatusFailed     = "failed"
)

// ErrImportFinished is returned when updating an import that already
// reached a terminal status.
var ErrImportFinished = errors.New("import already finished")

type ImportJob struct {
	ID           string
	ResourceURI  string
	Status       string
	SucceedCount *int
	FailedCount  *int
	Reason       *string
	NotifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the job reached completed or failed.
func (j ImportJob) Terminal() bool {
	return IsTerminalImportStatus(j.Status)
}

func IsTerminalImportStatus(status string) bool {
	return status == ImportStatusCompleted || status == ImportStatusFailed
}

func IsValidImportStatus(status string) bool {
	switch status {
	case ImportStatusPending, ImportStatusProcessing, ImportStatusCompleted, ImportStatusFailed:
		return true
	default:
		return false
	}
}

type CreateImportJobInput struct {
	ID          string
	ResourceURI string
}

type UpdateImportStatusInput struct {
	ID           string
	Status       string
	SucceedCount *int
	FailedCount  *int
	Reason       *string
	// Notified stamps notified_at so the poll worker skips the job.
	Notified bool
}

// ImportJobStore persists import jobs so that clients can poll their
// outcome and terminal states written by other processes get announced.
type ImportJobStore struct {
	db *sql.DB
}

func NewImportJobStore(db *sql.DB) *ImportJobStore {
	return &ImportJobStore{db: db}
}

const importJobColumns = `
	id,
	resource_uri,
	status,
	succeed_count,
	failed_count,
	reason,
	notified_at,
	created_at,
	updated_at`

func (s *ImportJobStore) Create(ctx context.Context, input CreateImportJobInput) (*ImportJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import job store is not configured")
	}
	id := strings.TrimSpace(input.ID)
	uri := strings.TrimSpace(input.ResourceURI)
	if id == "" || uri == "" {
		return nil, fmt.Errorf("import id and resource uri are required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO import_jobs (id, resource_uri, status)
		 VALUES ($1, $2, $3)
		 RETURNING`+importJobColumns,
		id,
		uri,
		ImportStatusPending,
	)
	job, err := scanImportJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}
	return &job, nil
}

func (s *ImportJobStore) Get(ctx context.Context, id string) (*ImportJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import job store is not configured")
	}

	row := s.db.QueryRowContext(ctx, `SELECT`+importJobColumns+` FROM import_jobs WHERE id = $1`, strings.TrimSpace(id))
	job, err := scanImportJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load import job: %w", err)
	}
	return &job, nil
}

// UpdateStatus moves a job that has not finished yet to a new status.
func (s *ImportJobStore) UpdateStatus(ctx context.Context, input UpdateImportStatusInput) (*ImportJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import job store is not configured")
	}
	if !IsValidImportStatus(input.Status) {
		return nil, fmt.Errorf("invalid import status %q", input.Status)
	}

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE import_jobs
		 SET status = $2,
		     succeed_count = $3,
		     failed_count = $4,
		     reason = $5,
		     notified_at = CASE WHEN $6 THEN NOW() ELSE notified_at END,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status NOT IN ('completed', 'failed')
		 RETURNING`+importJobColumns,
		strings.TrimSpace(input.ID),
		input.Status,
		nullableInt(input.SucceedCount),
		nullableInt(input.FailedCount),
		nullableString(input.Reason),
		input.Notified,
	)
	job, err := scanImportJob(row)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update import job: %w", err)
	}

	if _, getErr := s.Get(ctx, input.ID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrImportFinished
}

// PickupUnnotified claims terminal jobs nobody has announced yet and marks
// them notified in the same statement.
func (s *ImportJobStore) PickupUnnotified(ctx context.Context, limit int) ([]ImportJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("import job store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin import pickup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(
		ctx,
		`WITH finished AS (
			SELECT id
			FROM import_jobs
			WHERE status IN ('completed', 'failed')
			  AND notified_at IS NULL
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE import_jobs j
		SET notified_at = NOW()
		FROM finished f
		WHERE j.id = f.id
		RETURNING`+qualifiedImportJobColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pick up finished imports: %w", err)
	}
	defer rows.Close()

	out := make([]ImportJob, 0, limit)
	for rows.Next() {
		job, scanErr := scanImportJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan finished import: %w", scanErr)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read finished imports: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit import pickup: %w", err)
	}
	return out, nil
}

const qualifiedImportJobColumns = `
	j.id,
	j.resource_uri,
	j.status,
	j.succeed_count,
	j.failed_count,
	j.reason,
	j.notified_at,
	j.created_at,
	j.updated_at`

func scanImportJob(scanner interface{ Scan(...any) error }) (ImportJob, error) {
	var job ImportJob
	var succeed sql.NullInt64
	var failed sql.NullInt64
	var reason sql.NullString
	var notifiedAt sql.NullTime

	err := scanner.Scan(
		&job.ID,
		&job.ResourceURI,
		&job.Status,
		&succeed,
		&failed,
		&reason,
		&notifiedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return ImportJob{}, err
	}

	if succeed.Valid {
		value := int(succeed.Int64)
		job.SucceedCount = &value
	}
	if failed.Valid {
		value := int(failed.Int64)
		job.FailedCount = &value
	}
	if reason.Valid {
		job.Reason = &reason.String
	}
	if notifiedAt.Valid {
		value := notifiedAt.Time
		job.NotifiedAt = &value
	}
	return job, nil
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
