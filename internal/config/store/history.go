package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ArchivedExecution is the persisted form of a terminal execution record.
type ArchivedExecution struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	Argument      string     `json:"argument,omitempty"`
	State         string     `json:"state"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Output        string     `json:"output,omitempty"`
}

// ArchiveExecution persists a terminal execution record.
func (s *Store) ArchiveExecution(ctx context.Context, exec ArchivedExecution) error {
	if s.readOnly {
		return fmt.Errorf("config: archive execution: store opened read-only")
	}

	var endedAt any
	if exec.EndedAt != nil {
		endedAt = exec.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	var exitCode any
	if exec.ExitCode != nil {
		exitCode = *exec.ExitCode
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, instance_name, operation, argument, state, exit_code, failure_reason, started_at, ended_at, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			exit_code = excluded.exit_code,
			failure_reason = excluded.failure_reason,
			ended_at = excluded.ended_at,
			output = excluded.output
	`, exec.ID, s.instanceName, exec.Operation, exec.Argument, exec.State,
		exitCode, exec.FailureReason,
		exec.StartedAt.UTC().Format(time.RFC3339Nano), endedAt, exec.Output,
	); err != nil {
		return fmt.Errorf("config: archive execution %s: %w", exec.ID, err)
	}

	return nil
}

// ListExecutions returns archived executions, newest first.
// A limit of 0 or less returns every record.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]ArchivedExecution, error) {
	query := `
		SELECT id, operation, argument, state, exit_code, failure_reason, started_at, ended_at, output
		FROM executions
		WHERE instance_name = ?
		ORDER BY started_at DESC
	`
	args := []any{s.instanceName}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: list executions: %w", err)
	}

	return scanList(rows, scanArchivedExecution,
		"config: scan execution row",
		"config: iterate execution rows")
}

// PruneExecutions deletes all but the newest maxEntries records.
func (s *Store) PruneExecutions(ctx context.Context, maxEntries int) error {
	if s.readOnly {
		return fmt.Errorf("config: prune executions: store opened read-only")
	}
	if maxEntries <= 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE instance_name = ? AND id NOT IN (
			SELECT id FROM executions
			WHERE instance_name = ?
			ORDER BY started_at DESC
			LIMIT ?
		)
	`, s.instanceName, s.instanceName, maxEntries); err != nil {
		return fmt.Errorf("config: prune executions: %w", err)
	}

	return nil
}

func scanArchivedExecution(scanner rowScanner) (ArchivedExecution, error) {
	var (
		exec      ArchivedExecution
		exitCode  sql.NullInt64
		startedAt string
		endedAt   sql.NullString
	)
	if err := scanner.Scan(&exec.ID, &exec.Operation, &exec.Argument, &exec.State,
		&exitCode, &exec.FailureReason, &startedAt, &endedAt, &exec.Output); err != nil {
		return ArchivedExecution{}, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}

	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return ArchivedExecution{}, fmt.Errorf("parse started_at: %w", err)
	}
	exec.StartedAt = ts

	if endedAt.Valid && endedAt.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return ArchivedExecution{}, fmt.Errorf("parse ended_at: %w", err)
		}
		exec.EndedAt = &ts
	}

	return exec, nil
}
