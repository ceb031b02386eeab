package store

import (
	"context"
	"database/sql"
	"fmt"
)

// defaultSettings are written on first open and whenever a key is missing.
// Existing values are never overwritten.
var defaultSettings = map[string]string{
	"workspace.path":              "~/workspace",
	"workspace.program":           "make",
	"executor.command_timeout":    "3600",
	"executor.status_timeout":     "10",
	"projector.refresh_interval":  "30",
	"history.max_entries":         "200",
	"transport.http_port":         "9177",
	"transport.binding":           "loopback",
	"console.inactivity_timeout":  "900",
	"console.output_buffer_bytes": "262144",
}

// defaultWhitelist is seeded only when the whitelist table is empty for the
// instance, so operator edits and removals survive restarts.
var defaultWhitelist = []WhitelistEntry{
	{Name: "install", Description: "Provision the workstation", Arguments: []string{"dev", "prod"}},
	{Name: "test", Description: "Run the workstation test suite"},
	{Name: "status", Description: "Report workstation and service state"},
	{Name: "clean", Description: "Tear down the workstation"},
	{Name: "ssh", Description: "Open an interactive shell on the workstation", Interactive: true},
	{Name: "verify-install", Description: "Verify an installed service", Arguments: []string{"apache", "mysql", "php"}},
	{Name: "network-switches", Description: "Configure network switches", Arguments: []string{"dev", "prod"}},
	{Name: "network-switches-version", Description: "Report switch firmware versions"},
	{Name: "network-switches-test", Description: "Run switch connectivity tests"},
}

func seedDefaults(ctx context.Context, db *sql.DB, instanceName string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin seed transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (name)
		VALUES (?)
		ON CONFLICT(name) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, instanceName); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: seed instance: %w", err)
	}

	for key, value := range defaultSettings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (instance_name, key, value)
			VALUES (?, ?, ?)
			ON CONFLICT(instance_name, key) DO NOTHING
		`, instanceName, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: seed setting %q: %w", key, err)
		}
	}

	var whitelistCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM whitelist WHERE instance_name = ?`,
		instanceName,
	).Scan(&whitelistCount); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: count whitelist entries: %w", err)
	}

	if whitelistCount == 0 {
		for position, entry := range defaultWhitelist {
			argsJSON, err := encodeJSON(entry.Arguments, nullWhenEmptySlice)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("config: marshal whitelist arguments for %q: %w", entry.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO whitelist (instance_name, name, description, arguments, interactive, position)
				VALUES (?, ?, ?, ?, ?, ?)
			`, instanceName, entry.Name, entry.Description, argsJSON, boolToInt(entry.Interactive), position); err != nil {
				tx.Rollback()
				return fmt.Errorf("config: seed whitelist entry %q: %w", entry.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit seed transaction: %w", err)
	}

	return nil
}
