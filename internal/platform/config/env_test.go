package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"ENCOUNTER_SPACE_TEST_PORT" envDefault:"123"`
}

type prefixedTestConfig struct {
	TTL    time.Duration `env:"TTL" envDefault:"2h"`
	Issuer string        `env:"ISSUER"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("ENCOUNTER_SPACE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvWithPrefixReadsRelativeTags(t *testing.T) {
	t.Setenv("ENCOUNTER_SPACE_TEST_TOKEN_ISSUER", "issuer-1")
	t.Setenv("ENCOUNTER_SPACE_TEST_TOKEN_TTL", "15m")

	var cfg prefixedTestConfig
	if err := ParseEnvWithPrefix(&cfg, Prefix+"TEST_TOKEN"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Issuer != "issuer-1" {
		t.Fatalf("issuer = %q, want issuer-1", cfg.Issuer)
	}
	if cfg.TTL != 15*time.Minute {
		t.Fatalf("ttl = %v, want 15m", cfg.TTL)
	}
}

func TestParseEnvWithPrefixError(t *testing.T) {
	t.Setenv("ENCOUNTER_SPACE_TEST_TOKEN_TTL", "soon")

	var cfg prefixedTestConfig
	err := ParseEnvWithPrefix(&cfg, "ENCOUNTER_SPACE_TEST_TOKEN_")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env ENCOUNTER_SPACE_TEST_TOKEN:") {
		t.Fatalf("expected prefixed error, got %v", err)
	}
}
