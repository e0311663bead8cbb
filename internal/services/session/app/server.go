// Package server wires the session runtime: sqlite storage, join credentials,
// settlement, the HTTP API with its change feed, and a gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/encounter.space/internal/platform/id"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
	httpapi "github.com/louisbranch/encounter.space/internal/services/session/api/http"
	"github.com/louisbranch/encounter.space/internal/services/session/billing"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/feed"
	"github.com/louisbranch/encounter.space/internal/services/session/service"
	sessionsqlite "github.com/louisbranch/encounter.space/internal/services/session/storage/sqlite"
)

// graceSweepBatch caps the rows expired per sweep tick.
const graceSweepBatch = 100

// HealthService is the gRPC health name reported while the HTTP API serves.
const HealthService = "encounter.session.v1.SessionService"

// Config configures a session server.
type Config struct {
	HTTPAddr          string
	HealthAddr        string
	DBPath            string
	Grace             time.Duration
	RoomURLTemplate   string
	SettlementOwner   string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// GraceSweep is the interval of the server-side no-show sweep.
	GraceSweep time.Duration
	// Tokens overrides join token settings. A nil private key loads them
	// from ENCOUNTER_SPACE_JOIN_TOKEN_*.
	Tokens credential.Config
	Clock  func() time.Time
}

// Server hosts the session HTTP API and its health endpoint.
type Server struct {
	httpListener    net.Listener
	httpServer      *http.Server
	healthListener  net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	store           *sessionsqlite.Store
	hub             *feed.Hub
	service         *service.Service
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewServer opens storage, builds the lifecycle service and binds both
// listeners.
func NewServer(cfg Config) (*Server, error) {
	cfg = withDefaults(cfg)
	owner, err := settlementOwner(cfg.SettlementOwner)
	if err != nil {
		return nil, err
	}
	tokenCfg := cfg.Tokens
	if tokenCfg.PrivateKey == nil {
		tokenCfg, err = credential.LoadConfigFromEnv(cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("load join token config: %w", err)
		}
	}
	if tokenCfg.Now == nil {
		tokenCfg.Now = cfg.Clock
	}
	tokens, err := credential.NewManager(tokenCfg)
	if err != nil {
		return nil, fmt.Errorf("init join tokens: %w", err)
	}

	store, err := openSessionStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	hub := feed.NewHub()
	events := telemetry.NewEmitter(store, cfg.Clock)
	finalizer, err := billing.NewFinalizer(store, store, billing.NewLocalLedger(store, cfg.Clock), billing.Options{
		Owner:     owner,
		Clock:     cfg.Clock,
		Publisher: hub,
		Events:    events,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init settlement: %w", err)
	}
	svc, err := service.New(service.Deps{
		Sessions:    store,
		Credentials: store,
		Tokens:      tokens,
		Rooms:       service.TemplateRooms{Template: cfg.RoomURLTemplate},
		Settler:     finalizer,
		Publisher:   hub,
		Events:      events,
	}, service.Options{Grace: cfg.Grace, Clock: cfg.Clock})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init session service: %w", err)
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		_ = httpListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HealthAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		httpServer: &http.Server{
			Handler:           httpapi.NewHandler(svc, hub),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		healthListener:  healthListener,
		grpcServer:      grpcServer,
		health:          healthServer,
		store:           store,
		hub:             hub,
		service:         svc,
		sweepInterval:   cfg.GraceSweep,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = ":8095"
	}
	if strings.TrimSpace(cfg.HealthAddr) == "" {
		cfg.HealthAddr = ":8096"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "session.db")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.GraceSweep <= 0 {
		cfg.GraceSweep = timeouts.GraceSweep
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// settlementOwner names this process in settlement claims. Owners must be
// unique per process.
func settlementOwner(configured string) (string, error) {
	if owner := strings.TrimSpace(configured); owner != "" {
		return owner, nil
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "session"
	}
	suffix, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate settlement owner: %w", err)
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix), nil
}

// Run creates and serves a session server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("init session server: %w", err)
	}
	return server.Serve(ctx)
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HealthAddr returns the gRPC health listener address.
func (s *Server) HealthAddr() string {
	if s == nil || s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Serve runs both servers until ctx ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	defer s.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweepGrace(sweepCtx)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	log.Printf("session server listening at %v (health %v)", s.httpListener.Addr(), s.healthListener.Addr())
	httpErr := make(chan error, 1)
	grpcErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()
	go func() {
		grpcErr <- s.grpcServer.Serve(s.healthListener)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(httpErr, grpcErr)
	case err := <-httpErr:
		s.grpcServer.Stop()
		<-grpcErr
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-grpcErr:
		_ = s.httpServer.Close()
		<-httpErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC health: %w", err)
	}
}

// sweepGrace expires waiting sessions nobody is left to expire, until ctx
// ends.
func (s *Server) sweepGrace(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		expired, err := s.service.SweepGrace(ctx, graceSweepBatch)
		if err != nil && ctx.Err() == nil {
			log.Printf("grace sweep: %v", err)
		}
		if expired > 0 {
			log.Printf("grace sweep expired %d sessions", expired)
		}
	}
}

// shutdown reports NOT_SERVING, drops feed subscribers, drains HTTP requests
// and then stops the health server.
func (s *Server) shutdown(httpErr, grpcErr <-chan error) error {
	s.health.Shutdown()
	// Hijacked websocket connections are not tracked by http.Server.
	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	err := s.httpServer.Shutdown(shutdownCtx)
	cancel()
	s.grpcServer.GracefulStop()
	<-grpcErr
	if serveErr := <-httpErr; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.healthListener != nil {
		_ = s.healthListener.Close()
	}
	if s.hub != nil {
		s.hub.CloseAll()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close session store: %v", err)
		}
	}
}

func openSessionStore(path string) (*sessionsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sessionsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session sqlite store: %w", err)
	}
	return store, nil
}
