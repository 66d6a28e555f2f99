package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when a report does not exist for the tenant.
	ErrNotFound = errors.New("report not found")
	// ErrReportBusy is returned when a report is being built or updated.
	ErrReportBusy = errors.New("report is being generated or updated")
)

// Report statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Report struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	ProjectID   string          `json:"project_id"`
	Topic       string          `json:"topic"`
	ReportType  string          `json:"report_type"`
	Status      string          `json:"status"`
	State       json.RawMessage `json:"state,omitempty"`
	FinalReport *string         `json:"final_report,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

const reportColumns = `id, user_id, project_id, topic, report_type, status, state, final_report, error, created_at, updated_at`

func scanReport(row pgx.Row) (*Report, error) {
	r := &Report{}
	err := row.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.Topic, &r.ReportType, &r.Status,
		&r.State, &r.FinalReport, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateReport inserts a pending report.
func (db *PostgresDB) CreateReport(ctx context.Context, userID, projectID, topic, reportType string, state json.RawMessage) (*Report, error) {
	query := `
		INSERT INTO reports (id, user_id, project_id, topic, report_type, status, state)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING ` + reportColumns

	r, err := scanReport(db.Pool.QueryRow(ctx, query, uuid.New(), userID, projectID, topic, reportType, state))
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	return r, nil
}

// GetReport returns a report owned by the tenant.
func (db *PostgresDB) GetReport(ctx context.Context, id uuid.UUID, userID, projectID string) (*Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1 AND user_id = $2 AND project_id = $3`
	r, err := scanReport(db.Pool.QueryRow(ctx, query, id, userID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns the tenant's 50 most recent reports without their state.
func (db *PostgresDB) ListReports(ctx context.Context, userID, projectID string) ([]Report, error) {
	query := `
		SELECT id, user_id, project_id, topic, report_type, status, NULL::jsonb, final_report, error, created_at, updated_at
		FROM reports
		WHERE user_id = $1 AND project_id = $2
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := db.Pool.Query(ctx, query, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// ClaimReport moves a completed or failed report to running so exactly one update
// works on it. The returned report carries the status it had before the claim.
// A pending or running report yields ErrReportBusy.
func (db *PostgresDB) ClaimReport(ctx context.Context, id uuid.UUID, userID, projectID string) (*Report, error) {
	query := `
		WITH prev AS (
			SELECT id, status FROM reports
			WHERE id = $1 AND user_id = $2 AND project_id = $3
			  AND status IN ('completed', 'failed')
			FOR UPDATE
		)
		UPDATE reports r SET status = 'running', updated_at = NOW()
		FROM prev
		WHERE r.id = prev.id
		RETURNING r.id, r.user_id, r.project_id, r.topic, r.report_type, prev.status,
			r.state, r.final_report, r.error, r.created_at, r.updated_at
	`
	r, err := scanReport(db.Pool.QueryRow(ctx, query, id, userID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := db.GetReport(ctx, id, userID, projectID); err != nil {
			return nil, err
		}
		return nil, ErrReportBusy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim report: %w", err)
	}
	return r, nil
}

// SetStatus moves a report to status, recording reason for failures.
func (db *PostgresDB) SetStatus(ctx context.Context, id uuid.UUID, status, reason string) error {
	var errText *string
	if reason != "" {
		errText = &reason
	}
	_, err := db.Pool.Exec(ctx,
		"UPDATE reports SET status = $2, error = $3, updated_at = NOW() WHERE id = $1",
		id, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}
	return nil
}

// SaveState stores the serialized report state and its compiled text.
func (db *PostgresDB) SaveState(ctx context.Context, id uuid.UUID, state json.RawMessage, finalReport string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE reports SET state = $2, final_report = $3, updated_at = NOW() WHERE id = $1",
		id, state, finalReport)
	if err != nil {
		return fmt.Errorf("failed to save report state: %w", err)
	}
	return nil
}

// InsertLog appends one log record for a report.
func (db *PostgresDB) InsertLog(ctx context.Context, reportID uuid.UUID, ts time.Time, level, message string, metadata json.RawMessage) error {
	query := `
		INSERT INTO report_logs (report_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := db.Pool.Exec(ctx, query, reportID, ts, level, message, metadata)
	return err
}

// GetReportLogs returns a report's log records in insertion order.
func (db *PostgresDB) GetReportLogs(ctx context.Context, reportID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM report_logs
		WHERE report_id = $1
		ORDER BY id ASC
	`
	rows, err := db.Pool.Query(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
