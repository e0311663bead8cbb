// Package config loads service configuration from the process environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Prefix is the environment namespace shared by every encounter.space binary.
const Prefix = "ENCOUNTER_SPACE_"

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvWithPrefix loads configuration whose tags are relative to prefix,
// e.g. a field tagged `env:"TTL"` with prefix "ENCOUNTER_SPACE_JOIN_TOKEN_"
// reads ENCOUNTER_SPACE_JOIN_TOKEN_TTL.
func ParseEnvWithPrefix(target any, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	if err := env.ParseWithOptions(target, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse env %s: %w", strings.TrimSuffix(prefix, "_"), err)
	}
	return nil
}
