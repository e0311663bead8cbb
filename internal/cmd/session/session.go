// Package session parses session command flags and starts the session server.
package session

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	entrypoint "github.com/louisbranch/encounter.space/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/encounter.space/internal/platform/grpc"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
	server "github.com/louisbranch/encounter.space/internal/services/session/app"
)

// Config holds session command configuration.
type Config struct {
	HTTPAddr        string        `env:"ENCOUNTER_SPACE_SESSION_HTTP_ADDR"         envDefault:":8095"`
	HealthPort      int           `env:"ENCOUNTER_SPACE_SESSION_HEALTH_PORT"       envDefault:"8096"`
	DBPath          string        `env:"ENCOUNTER_SPACE_SESSION_DB_PATH"           envDefault:"data/session.db"`
	Grace           time.Duration `env:"ENCOUNTER_SPACE_SESSION_GRACE"             envDefault:"5m"`
	RoomURLTemplate string        `env:"ENCOUNTER_SPACE_SESSION_ROOM_URL_TEMPLATE" envDefault:"https://rooms.encounter.space/{session_id}"`
	SettlementOwner string        `env:"ENCOUNTER_SPACE_SESSION_SETTLEMENT_OWNER"`

	// Probe checks a running server's health instead of serving.
	Probe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "session HTTP listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "gRPC health port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "session SQLite database path")
	fs.DurationVar(&cfg.Grace, "grace", cfg.Grace, "no-show grace period after the first join")
	fs.StringVar(&cfg.RoomURLTemplate, "room-url-template", cfg.RoomURLTemplate, "video room URL template containing {session_id}")
	fs.StringVar(&cfg.SettlementOwner, "settlement-owner", cfg.SettlementOwner, "settlement claim owner (default: generated per process)")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the health of a running server on -health-port and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Grace <= 0 {
		return Config{}, fmt.Errorf("grace must be positive, got %s", cfg.Grace)
	}
	return cfg, nil
}

// Run serves the session API until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Probe {
		return Probe(ctx, cfg)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSession, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			HealthAddr:      fmt.Sprintf(":%d", cfg.HealthPort),
			DBPath:          cfg.DBPath,
			Grace:           cfg.Grace,
			RoomURLTemplate: cfg.RoomURLTemplate,
			SettlementOwner: cfg.SettlementOwner,
		}); err != nil {
			return fmt.Errorf("serve session: %w", err)
		}
		return nil
	})
}

// Probe waits for the local server's health service to report SERVING.
func Probe(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Request)
	defer cancel()
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HealthPort)
	if err := platformgrpc.Probe(ctx, addr, server.HealthService, log.Printf); err != nil {
		return fmt.Errorf("probe session: %w", err)
	}
	return nil
}
