package session

import (
	"context"
	"flag"
	"net"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8095" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.HealthPort != 8096 {
		t.Fatalf("expected default health port, got %d", cfg.HealthPort)
	}
	if cfg.DBPath != "data/session.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Grace != 5*time.Minute {
		t.Fatalf("expected default grace, got %s", cfg.Grace)
	}
	if cfg.RoomURLTemplate != "https://rooms.encounter.space/{session_id}" {
		t.Fatalf("expected default room template, got %q", cfg.RoomURLTemplate)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("ENCOUNTER_SPACE_SESSION_HTTP_ADDR", "env-http")
	t.Setenv("ENCOUNTER_SPACE_SESSION_DB_PATH", "env.db")
	t.Setenv("ENCOUNTER_SPACE_SESSION_GRACE", "90s")
	t.Setenv("ENCOUNTER_SPACE_SESSION_SETTLEMENT_OWNER", "env-owner")

	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-health-port", "9000",
		"-settlement-owner", "flag-owner",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.HealthPort != 9000 {
		t.Fatalf("expected flag health port, got %d", cfg.HealthPort)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if cfg.Grace != 90*time.Second {
		t.Fatalf("expected env grace, got %s", cfg.Grace)
	}
	if cfg.SettlementOwner != "flag-owner" {
		t.Fatalf("expected flag settlement owner, got %q", cfg.SettlementOwner)
	}
}

func TestParseConfigRejectsNonPositiveGrace(t *testing.T) {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-grace", "0s"}); err == nil {
		t.Fatal("expected error for zero grace")
	}
}

func TestParseConfigProbe(t *testing.T) {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-probe", "-health-port", "9100"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !cfg.Probe || cfg.HealthPort != 9100 {
		t.Fatalf("expected probe on port 9100, got %+v", cfg)
	}
}

func TestProbeFailsWithoutServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := Probe(ctx, Config{HealthPort: port}); err == nil {
		t.Fatal("expected probe error without a server")
	}
}
