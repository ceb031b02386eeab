package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/harpoon-ops/harpoon/internal/config"
)

// WorkspaceConfig describes where and how whitelisted operations run.
type WorkspaceConfig struct {
	Path           string        // Working directory for spawned operations
	Program        string        // Program invoked for every operation (e.g. make)
	CommandTimeout time.Duration // Watchdog deadline for a running operation
	StatusTimeout  time.Duration // Deadline for projector status checks
}

// GetWorkspaceConfig loads workspace and executor settings for the active instance.
func (s *Store) GetWorkspaceConfig(ctx context.Context) (WorkspaceConfig, error) {
	settings, err := s.LoadSettings(ctx,
		"workspace.path",
		"workspace.program",
		"executor.command_timeout",
		"executor.status_timeout",
	)
	if err != nil {
		return WorkspaceConfig{}, err
	}

	cfg := WorkspaceConfig{
		Path:           config.ExpandPath(settings["workspace.path"]),
		Program:        settings["workspace.program"],
		CommandTimeout: time.Hour,
		StatusTimeout:  10 * time.Second,
	}
	if cfg.Program == "" {
		cfg.Program = "make"
	}

	if raw := settings["executor.command_timeout"]; raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return WorkspaceConfig{}, fmt.Errorf("config: parse executor.command_timeout: %w", err)
		}
		cfg.CommandTimeout = time.Duration(seconds) * time.Second
	}

	if raw := settings["executor.status_timeout"]; raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return WorkspaceConfig{}, fmt.Errorf("config: parse executor.status_timeout: %w", err)
		}
		cfg.StatusTimeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

// SaveWorkspaceConfig persists the provided workspace configuration.
func (s *Store) SaveWorkspaceConfig(ctx context.Context, cfg WorkspaceConfig) error {
	values := map[string]string{
		"workspace.path":           cfg.Path,
		"workspace.program":        cfg.Program,
		"executor.command_timeout": strconv.Itoa(int(cfg.CommandTimeout / time.Second)),
		"executor.status_timeout":  strconv.Itoa(int(cfg.StatusTimeout / time.Second)),
	}

	return s.SaveSettings(ctx, values)
}
