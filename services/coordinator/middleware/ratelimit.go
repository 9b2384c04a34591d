// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the coordinator service.
//
// The coordinator trusts its producers but not their retry loops: a producer
// stuck in a crash-resubmit cycle can hammer /upload hundreds of times a
// second. The rate limiter gives each producer an independent token bucket so
// one misbehaving producer cannot starve the rest.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/TacticMesh/services/coordinator/datatypes"
)

// ProducerIDHeader identifies the producer for rate limiting. Producers that
// omit it are bucketed by client IP.
const ProducerIDHeader = "X-Producer-Id"

// RateLimitConfig controls the per-producer token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate per producer.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`

	// Burst is the bucket depth per producer.
	Burst int `yaml:"burst"`

	// IdleEviction drops a producer's bucket after this much inactivity so
	// the limiter map does not grow without bound.
	IdleEviction time.Duration `yaml:"idleEviction"`
}

// DefaultRateLimitConfig is generous: honest producers submit once per round,
// so anything near the limit is a retry storm.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		IdleEviction:      10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter holds one token bucket per producer key.
type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	entries map[string]*limiterEntry
	lastGC  time.Time
}

// allow takes one token from the key's bucket, creating it on first sight.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastGC) > rl.cfg.IdleEviction {
		for k, e := range rl.entries {
			if now.Sub(e.lastSeen) > rl.cfg.IdleEviction {
				delete(rl.entries, k)
			}
		}
		rl.lastGC = now
	}

	entry, ok := rl.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		}
		rl.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// RateLimit creates a middleware enforcing a per-producer token bucket.
// Requests over the limit get 429 with the uniform error body.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRateLimitConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimitConfig().Burst
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = DefaultRateLimitConfig().IdleEviction
	}

	rl := &rateLimiter{
		cfg:     cfg,
		entries: make(map[string]*limiterEntry),
		lastGC:  time.Now(),
	}

	return func(c *gin.Context) {
		key := c.GetHeader(ProducerIDHeader)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error:   "RateLimited",
				Details: "per-producer request limit exceeded",
			})
			return
		}

		c.Next()
	}
}
