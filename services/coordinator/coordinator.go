// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator provides the federated learning coordinator service.
//
// The coordinator sits between many producers (game servers, simulation
// shards) and one shared tactical model. Producers upload per-subject tactic
// statistics; the coordinator gates them through a round lifecycle,
// aggregates them into a global model, and serves the result back along with
// tactical weights, a replay pool, and a bounded model version history.
//
// This package wires the pieces together: HTTP routing via Gin, durable
// state in embedded BadgerDB, OpenTelemetry tracing, Prometheus metrics, and
// the federation core that owns the actual semantics.
//
// # Usage
//
//	cfg := coordinator.Config{Port: 12310, DataDir: "/var/lib/tacticmesh"}
//	svc, err := coordinator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
	"github.com/AleutianAI/TacticMesh/services/coordinator/middleware"
	"github.com/AleutianAI/TacticMesh/services/coordinator/observability"
	"github.com/AleutianAI/TacticMesh/services/coordinator/routes"
	"github.com/AleutianAI/TacticMesh/services/coordinator/storage"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the coordinator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or a
	// fatal server error. State is flushed and resources released before
	// it returns.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds coordinator configuration options.
//
// # Required Fields
//
// None - all fields have sensible defaults. A zero Config runs an in-memory
// coordinator on the default port, which is what the tests use.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int `yaml:"port"`

	// DataDir is the BadgerDB directory. Default: "./data/coordinator".
	// Ignored when InMemory is true.
	DataDir string `yaml:"dataDir"`

	// InMemory runs the store without disk persistence. For testing.
	InMemory bool `yaml:"inMemory"`

	// GinMode sets the Gin framework mode: "debug", "release", "test".
	// Default: uses GIN_MODE env var or "debug".
	GinMode string `yaml:"ginMode"`

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317".
	OTelEndpoint string `yaml:"otelEndpoint"`

	// EnableTracing enables OTLP trace export. Default: false, because the
	// coordinator is commonly fielded without a collector in reach.
	EnableTracing bool `yaml:"enableTracing"`

	// DisableMetrics turns off the Prometheus registry and /metrics.
	DisableMetrics bool `yaml:"disableMetrics"`

	// RecorderURL is the flight-recorder endpoint receiving round-close
	// records. Empty disables recording.
	RecorderURL string `yaml:"recorderUrl"`

	// RecorderTimeout bounds each recorder delivery. Default: 5s.
	RecorderTimeout time.Duration `yaml:"recorderTimeout"`

	// ShutdownGrace bounds graceful HTTP shutdown. Default: 10s.
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`

	// Federation holds the round-lifecycle and aggregation tuning.
	Federation federation.CoordinatorConfig `yaml:"federation"`

	// RateLimit is the per-producer token bucket. Zero values use the
	// generous defaults.
	RateLimit middleware.RateLimitConfig `yaml:"rateLimit"`
}

// LoadConfigFile reads a YAML config file over the given base configuration.
// Fields absent from the file keep their base values.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/coordinator"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.RecorderTimeout <= 0 {
		cfg.RecorderTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns; mutable state lives inside the federation coordinator and store.
type service struct {
	config        Config
	router        *gin.Engine
	coord         *federation.Coordinator
	store         storage.Store
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a coordinator Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing (when enabled)
//  3. Initializes Prometheus metrics (unless disabled)
//  4. Opens the durable store (BadgerDB, or in-memory for tests)
//  5. Creates the federation coordinator, rehydrating persisted state
//  6. Starts the background round sweep
//  7. Sets up HTTP routes
//
// # Outputs
//
//   - Service: ready-to-run coordinator service
//   - error: non-nil if initialization fails; no resources are leaked
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	if s.config.EnableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	var metrics *observability.FederationMetrics
	if !s.config.DisableMetrics {
		metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for federation")
	}

	store, err := s.openStore()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store

	var recorder federation.FlightRecorder = federation.NopRecorder{}
	if s.config.RecorderURL != "" {
		recorder = federation.NewHTTPRecorder(s.config.RecorderURL, s.config.RecorderTimeout, slog.Default())
		slog.Info("Flight recorder enabled", "endpoint", s.config.RecorderURL)
	}

	s.coord, err = federation.NewCoordinator(s.config.Federation, store, recorder, slog.Default(), metrics)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	s.coord.StartSweep()

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a fatal
// server error. Shutdown drains in-flight requests for up to ShutdownGrace,
// then stops the sweep and closes the store.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	slog.Info("Starting coordinator server", "port", s.config.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down coordinator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// openStore opens the configured durable store.
func (s *service) openStore() (storage.Store, error) {
	storeCfg := storage.DefaultBadgerConfig()
	storeCfg.Path = s.config.DataDir
	storeCfg.Logger = slog.Default()
	if s.config.InMemory {
		storeCfg = storage.InMemoryBadgerConfig()
	}
	return storage.OpenBadger(storeCfg)
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("coordinator-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with middleware and all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RateLimit(s.config.RateLimit))
	if s.config.EnableTracing {
		s.router.Use(otelgin.Middleware("coordinator-service"))
	}

	routes.SetupRoutes(s.router, s.coord)
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits or on initialization failure. Order matters: the
// sweep must stop before the store closes, or an in-flight round close could
// write to a closed database.
func (s *service) cleanup() {
	if s.coord != nil {
		s.coord.Close()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
