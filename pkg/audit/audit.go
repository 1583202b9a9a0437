// Package audit persists operational history — job-run outcomes and
// notification delivery attempts — to Postgres. It is a write-mostly
// side channel for operator visibility; nothing in the evaluation
// pipeline reads it back to make a decision.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chainalert/runtime/internal/apperrors"
)

// ErrNotFound is returned when a requested audit row does not exist.
var ErrNotFound = errors.New("audit record not found")

// JobRun is one Processor-handled job's outcome.
type JobRun struct {
	ID            uuid.UUID
	JobID         string
	RunID         string
	InstanceID    string
	TriggerType   string
	Priority      string
	MatchedCount  int
	RowsEvaluated int
	Error         string
	DurationMs    int64
	CreatedAt     time.Time
}

// DeliveryOutcome is the disposition the Router reached for one match.
type DeliveryOutcome string

const (
	DeliveryDispatched DeliveryOutcome = "dispatched"
	DeliverySkipped    DeliveryOutcome = "skipped"
	DeliveryDropped    DeliveryOutcome = "dropped"
)

// Delivery is one Router decision for one matched target.
type Delivery struct {
	ID             uuid.UUID
	NotificationID string
	AlertID        string
	TargetKey      string
	Channel        string
	Outcome        DeliveryOutcome
	Reason         string
	CreatedAt      time.Time
}

// Store persists JobRun and Delivery records.
type Store interface {
	RecordJobRun(ctx context.Context, run JobRun) error
	RecordDelivery(ctx context.Context, delivery Delivery) error
	GetJobRun(ctx context.Context, jobID string) (*JobRun, error)
	RecentDeliveries(ctx context.Context, alertID string, limit int) ([]Delivery, error)
}

// PostgresStore implements Store against a `database/sql` connection.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordJobRun(ctx context.Context, run JobRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	query := `
		INSERT INTO job_runs (
			id, job_id, run_id, instance_id, trigger_type, priority,
			matched_count, rows_evaluated, error, duration_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.JobID, run.RunID, run.InstanceID, run.TriggerType, run.Priority,
		run.MatchedCount, run.RowsEvaluated, run.Error, run.DurationMs, run.CreatedAt,
	)
	if err != nil {
		return apperrors.NewTransientIO("audit_record_job_run", err)
	}
	return nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, delivery Delivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	query := `
		INSERT INTO deliveries (
			id, notification_id, alert_id, target_key, channel, outcome, reason, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`
	_, err := s.db.ExecContext(ctx, query,
		delivery.ID, delivery.NotificationID, delivery.AlertID, delivery.TargetKey,
		delivery.Channel, string(delivery.Outcome), delivery.Reason, delivery.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewValidation("notification_id", "delivery already recorded for this notification")
		}
		return apperrors.NewTransientIO("audit_record_delivery", err)
	}
	return nil
}

func (s *PostgresStore) GetJobRun(ctx context.Context, jobID string) (*JobRun, error) {
	query := `
		SELECT id, job_id, run_id, instance_id, trigger_type, priority,
			matched_count, rows_evaluated, error, duration_ms, created_at
		FROM job_runs
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var run JobRun
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&run.ID, &run.JobID, &run.RunID, &run.InstanceID, &run.TriggerType, &run.Priority,
		&run.MatchedCount, &run.RowsEvaluated, &run.Error, &run.DurationMs, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewTransientIO("audit_get_job_run", err)
	}
	return &run, nil
}

func (s *PostgresStore) RecentDeliveries(ctx context.Context, alertID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, notification_id, alert_id, target_key, channel, outcome, reason, created_at
		FROM deliveries
		WHERE alert_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, alertID, limit)
	if err != nil {
		return nil, apperrors.NewTransientIO("audit_recent_deliveries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var outcome string
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.AlertID, &d.TargetKey, &d.Channel, &outcome, &d.Reason, &d.CreatedAt); err != nil {
			return nil, apperrors.NewTransientIO("audit_scan_delivery", err)
		}
		d.Outcome = DeliveryOutcome(outcome)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewTransientIO("audit_iterate_deliveries", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Schema returns the DDL this package expects. Callers (the cmd/ binaries'
// startup migration step) run it once per environment; it is idempotent.
func Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS job_runs (
	id UUID PRIMARY KEY,
	job_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	priority TEXT NOT NULL,
	matched_count INTEGER NOT NULL DEFAULT 0,
	rows_evaluated INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job_id ON job_runs (job_id, created_at DESC);

CREATE TABLE IF NOT EXISTS deliveries (
	id UUID PRIMARY KEY,
	notification_id TEXT NOT NULL UNIQUE,
	alert_id TEXT NOT NULL,
	target_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_alert_id ON deliveries (alert_id, created_at DESC);
`)
}
