package database

import (
	"context"
	"fmt"
)

// InitSchema creates the report tables and both vector tables.
func (db *PostgresDB) InitSchema(ctx context.Context, knowledgeTable, spreadsheetTable string, dimension int) error {
	// 1. Reports Table
	reportsQuery := `
		CREATE TABLE IF NOT EXISTS reports (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			report_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			state JSONB,
			final_report TEXT,
			error TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.Pool.Exec(ctx, reportsQuery); err != nil {
		return fmt.Errorf("failed to create reports table: %w", err)
	}

	// 2. Report Logs Table
	logsQuery := `
		CREATE TABLE IF NOT EXISTS report_logs (
			id SERIAL PRIMARY KEY,
			report_id UUID NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		);
	`
	if _, err := db.Pool.Exec(ctx, logsQuery); err != nil {
		return fmt.Errorf("failed to create report_logs table: %w", err)
	}

	// Indexes for faster querying
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_report_logs_report_id ON report_logs(report_id)"); err != nil {
		return fmt.Errorf("failed to create index on report_logs: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_reports_tenant ON reports(user_id, project_id, created_at DESC)"); err != nil {
		return fmt.Errorf("failed to create index on reports: %w", err)
	}

	// 3. Vector tables
	if err := db.EnsureVectorExtension(ctx); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	for _, table := range []string{knowledgeTable, spreadsheetTable} {
		if err := db.CreateEmbeddingsTable(ctx, table, dimension); err != nil {
			return err
		}
	}

	return nil
}
