package store

import (
	"context"
	"database/sql"
	"fmt"
)

// WhitelistEntry describes a single permitted operation.
type WhitelistEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
	Interactive bool     `json:"interactive,omitempty"`
}

// ListWhitelist returns every whitelisted operation in seed order.
func (s *Store) ListWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, arguments, interactive
		FROM whitelist
		WHERE instance_name = ?
		ORDER BY position, name
	`, s.instanceName)
	if err != nil {
		return nil, fmt.Errorf("config: list whitelist: %w", err)
	}

	return scanList(rows, scanWhitelistEntry,
		"config: scan whitelist row",
		"config: iterate whitelist rows")
}

// GetWhitelistEntry returns a single whitelisted operation by name.
func (s *Store) GetWhitelistEntry(ctx context.Context, name string) (WhitelistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, arguments, interactive
		FROM whitelist
		WHERE instance_name = ? AND name = ?
	`, s.instanceName, name)

	entry, err := scanWhitelistEntry(row)
	if err == sql.ErrNoRows {
		return WhitelistEntry{}, NotFoundError{Entity: "whitelist entry", Key: name}
	}
	if err != nil {
		return WhitelistEntry{}, fmt.Errorf("config: get whitelist entry %q: %w", name, err)
	}
	return entry, nil
}

// ReplaceWhitelist atomically swaps the whole whitelist for the instance.
func (s *Store) ReplaceWhitelist(ctx context.Context, entries []WhitelistEntry) error {
	if s.readOnly {
		return fmt.Errorf("config: replace whitelist: store opened read-only")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM whitelist WHERE instance_name = ?`, s.instanceName,
		); err != nil {
			return fmt.Errorf("config: clear whitelist: %w", err)
		}

		for position, entry := range entries {
			argsJSON, err := encodeJSON(entry.Arguments, nullWhenEmptySlice)
			if err != nil {
				return fmt.Errorf("config: marshal whitelist arguments for %q: %w", entry.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO whitelist (instance_name, name, description, arguments, interactive, position)
				VALUES (?, ?, ?, ?, ?, ?)
			`, s.instanceName, entry.Name, entry.Description, argsJSON, boolToInt(entry.Interactive), position); err != nil {
				return fmt.Errorf("config: insert whitelist entry %q: %w", entry.Name, err)
			}
		}
		return nil
	})
}

func scanWhitelistEntry(scanner rowScanner) (WhitelistEntry, error) {
	var (
		entry       WhitelistEntry
		argsRaw     sql.NullString
		interactive int
	)
	if err := scanner.Scan(&entry.Name, &entry.Description, &argsRaw, &interactive); err != nil {
		return WhitelistEntry{}, err
	}

	args, err := DecodeJSON[[]string](argsRaw)
	if err != nil {
		return WhitelistEntry{}, fmt.Errorf("decode arguments: %w", err)
	}
	entry.Arguments = args
	entry.Interactive = interactive != 0
	return entry, nil
}
