package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// TransportConfig describes how the daemon exposes its HTTP/WebSocket surface.
type TransportConfig struct {
	Port           int      // HTTP listen port
	Binding        string   // "loopback" or "all"
	AllowedOrigins []string // Extra origins accepted for WebSocket upgrades
	TLSCertPath    string
	TLSKeyPath     string
}

// GetTransportConfig loads transport-related settings for the active instance.
func (s *Store) GetTransportConfig(ctx context.Context) (TransportConfig, error) {
	settings, err := s.LoadSettings(ctx,
		"transport.http_port",
		"transport.binding",
		"transport.tls_cert_path",
		"transport.tls_key_path",
		"transport.allowed_origins",
	)
	if err != nil {
		return TransportConfig{}, err
	}

	cfg := TransportConfig{
		Binding:        "loopback",
		AllowedOrigins: []string{},
	}

	if portStr := settings["transport.http_port"]; portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return TransportConfig{}, fmt.Errorf("config: parse transport.http_port: %w", err)
		}
		cfg.Port = port
	}

	if binding := settings["transport.binding"]; binding != "" {
		cfg.Binding = binding
	}
	cfg.TLSCertPath = settings["transport.tls_cert_path"]
	cfg.TLSKeyPath = settings["transport.tls_key_path"]

	if originsJSON, ok := settings["transport.allowed_origins"]; ok && originsJSON != "" {
		origins, err := DecodeJSON[[]string](sql.NullString{String: originsJSON, Valid: true})
		if err != nil {
			return TransportConfig{}, fmt.Errorf("config: parse transport.allowed_origins: %w", err)
		}
		cfg.AllowedOrigins = origins
	}

	return cfg, nil
}

// SaveTransportConfig persists the provided transport configuration.
func (s *Store) SaveTransportConfig(ctx context.Context, cfg TransportConfig) error {
	originsJSON, err := encodeJSON(cfg.AllowedOrigins, nullWhenEmptySlice)
	if err != nil {
		return fmt.Errorf("config: marshal transport.allowed_origins: %w", err)
	}

	values := map[string]string{
		"transport.http_port":     strconv.Itoa(cfg.Port),
		"transport.binding":       cfg.Binding,
		"transport.tls_cert_path": cfg.TLSCertPath,
		"transport.tls_key_path":  cfg.TLSKeyPath,
	}
	if originsJSON != nil {
		values["transport.allowed_origins"] = originsJSON.(string)
	} else {
		values["transport.allowed_origins"] = ""
	}

	return s.SaveSettings(ctx, values)
}
