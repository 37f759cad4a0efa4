// Package health reports the liveness of every infrastructure
// dependency: the Redis server the wakeup coordinator uses (probed
// through the checker's own client), and each configured kind's live
// pool.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/gopool"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs health checks against the coordinator's Redis server,
// through its own client, and every live pool.
type Checker struct {
	cfg         *config.Config
	redisClient *redis.Client
	pools       map[string]*gopool.Pool // kind ID -> pool
}

// NewChecker builds a health checker. pools maps each configured kind's
// ID to its live Pool.
func NewChecker(cfg *config.Config, pools map[string]*gopool.Pool) *Checker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &Checker{cfg: cfg, redisClient: rdb, pools: pools}
}

// Close releases the checker's own Redis client.
func (c *Checker) Close() error {
	return c.redisClient.Close()
}

// Check runs every component check and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Pool.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := c.checkRedis(ctx)
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}()

	for _, k := range c.cfg.Kinds {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := c.checkPool(k.ID)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}

	wg.Wait()
	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: time.Since(start).String(),
	}
}

// checkPool reports a kind's pool in terms the pool itself can answer —
// no separate probe connection is opened, since the pool's own slots
// already prove backend reachability.
func (c *Checker) checkPool(kindID string) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("pool-%s", kindID)

	pool, ok := c.pools[kindID]
	if !ok {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: "no pool registered for this kind",
			Latency: time.Since(start).String(),
		}
	}

	size, capacity, requests, waiters := pool.Size(), pool.Capacity(), pool.Requests(), pool.Waiters()
	status := StatusHealthy
	if size == 0 && requests == 0 && waiters > 0 {
		// Waiters are queued and nothing is even trying to connect — every
		// slot must have failed to open.
		status = StatusUnhealthy
	}

	return ComponentHealth{
		Name:   name,
		Status: status,
		Message: fmt.Sprintf("size=%d capacity=%d connecting=%d waiters=%d",
			size, capacity, requests, waiters),
		Latency: time.Since(start).String(),
	}
}

// ServeHTTP starts the health check HTTP server.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(rep)
	}

	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Pool.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
