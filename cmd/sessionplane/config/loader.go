// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Environment variables that override the file.
const (
	EnvDataDir      = "SESSIONPLANE_DATA_DIR"
	EnvAPIAddr      = "SESSIONPLANE_API_ADDR"
	EnvAPIToken     = "SESSIONPLANE_API_TOKEN"
	EnvConfig       = "SESSIONPLANE_CONFIG"
	EnvTraces       = "OTEL_TRACES_EXPORTER"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DefaultPath returns $SESSIONPLANE_CONFIG or ~/.sessionplane/sessionplane.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return ExpandPath(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".sessionplane", "sessionplane.yaml"), nil
}

// Load reads the configuration at path, writing DefaultConfig there first
// if the file does not exist.
//
// # Description
//
// Keys missing from the file keep their defaults. Environment overrides
// are applied after parsing and the result is validated.
//
// # Outputs
//
//   - SessionplaneConfig: The merged configuration.
//   - error: I/O and parse failures, or ErrInvalid.
func Load(path string) (SessionplaneConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return SessionplaneConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionplaneConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return SessionplaneConfig{}, err
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return SessionplaneConfig{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig without validating.
func Parse(data []byte) (SessionplaneConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SessionplaneConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field range.
func Validate(cfg SessionplaneConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func applyEnv(cfg *SessionplaneConfig) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv(EnvTraces); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
