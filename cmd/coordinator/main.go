// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command coordinator starts the TacticMesh federated learning coordinator.
//
// This is the main entry point for the containerized coordinator service.
// It reads configuration from environment variables, optionally layered
// under a YAML config file, and starts the server.
//
// # Environment Variables
//
//   - COORDINATOR_PORT: HTTP server port (default: 12310)
//   - COORDINATOR_DATA_DIR: BadgerDB directory (default: ./data/coordinator)
//   - COORDINATOR_CONFIG: optional YAML config file path
//   - COORDINATOR_CONTRIBUTOR_THRESHOLD: contributions that close a round (default: 3)
//   - COORDINATOR_ROUND_CEILING: max round age, e.g. "10m" (default: 10m)
//   - COORDINATOR_STRATEGY: aggregation strategy - fedavg, fedavgm (default: fedavgm)
//   - COORDINATOR_RECORDER_URL: flight-recorder endpoint (optional)
//   - COORDINATOR_ENABLE_TRACING: "true" enables OTLP trace export
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o coordinator ./cmd/coordinator
//
//	# Run
//	./coordinator
//
//	# Or via container
//	podman-compose up coordinator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/TacticMesh/services/coordinator"
	"github.com/AleutianAI/TacticMesh/services/coordinator/federation"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := coordinator.Config{
		Port:          getEnvInt("COORDINATOR_PORT", 12310),
		DataDir:       getEnvString("COORDINATOR_DATA_DIR", "./data/coordinator"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EnableTracing: os.Getenv("COORDINATOR_ENABLE_TRACING") == "true",
		RecorderURL:   os.Getenv("COORDINATOR_RECORDER_URL"),
		Federation: federation.CoordinatorConfig{
			ContributorThreshold: getEnvInt("COORDINATOR_CONTRIBUTOR_THRESHOLD", 3),
			RoundCeiling:         getEnvDuration("COORDINATOR_ROUND_CEILING", 10*time.Minute),
			Engine: federation.EngineConfig{
				Strategy: federation.Strategy(getEnvString("COORDINATOR_STRATEGY", "fedavgm")),
			},
		},
	}

	// Layer the YAML config file over the env configuration when present
	if path := os.Getenv("COORDINATOR_CONFIG"); path != "" {
		var err error
		cfg, err = coordinator.LoadConfigFile(path, cfg)
		if err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		slog.Info("Loaded config file", "path", path)
	}

	slog.Info("Starting coordinator",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"strategy", string(cfg.Federation.Engine.Strategy),
		"contributor_threshold", cfg.Federation.ContributorThreshold,
	)

	svc, err := coordinator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Coordinator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		slog.Warn("Invalid duration in environment, using default",
			"key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}
