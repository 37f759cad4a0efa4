// Command pooldemo wires a gopool.Pool per configured kind to a SQL
// Server backend, exposes Prometheus metrics and health endpoints, and
// serves a tiny HTTP API so the pools can be exercised end to end
// without a wire-protocol proxy in front of them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/connpool/internal/backend"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/coordinator"
	"github.com/joao-brasil/connpool/internal/gopool"
	"github.com/joao-brasil/connpool/internal/health"
	"github.com/joao-brasil/connpool/internal/metrics"
)

var (
	poolConfigPath  = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")
	kindsConfigPath = flag.String("kinds", "configs/kinds.yaml", "Path to kinds configuration file")
)

// namedPool bundles everything pooldemo needs per configured kind.
type namedPool struct {
	id        string
	index     int
	pool      *gopool.Pool
	connector *backend.SQLServerConnector
	observer  *metrics.Observer
	wakeup    <-chan struct{}
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting connpool demo")

	cfg, err := config.Load(*poolConfigPath, *kindsConfigPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d kinds, instance=%s", len(cfg.Kinds), cfg.Pool.InstanceID)

	loop := gopool.NewWorkerContext()
	defer loop.Stop()

	log.Println("[main] initializing wakeup coordinator...")
	coord, err := coordinator.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] failed to initialize coordinator: %v", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Close(shutCtx); err != nil {
			log.Printf("[main] coordinator close error: %v", err)
		}
	}()
	if coord.IsFallback() {
		log.Println("[main] coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] coordinator ready (Redis connected)")
	}

	weights := cfg.Weights()
	pools := make(map[string]*namedPool, len(cfg.Kinds))
	poolsByID := make(map[string]*gopool.Pool, len(cfg.Kinds))

	for i, k := range cfg.Kinds {
		connector := backend.New(k)
		p := gopool.NewPool(connector, weights, k.MaxWaiters)
		obs := metrics.NewObserver(p, k.ID)
		go obs.Run(2 * time.Second)

		pools[k.ID] = &namedPool{
			id:        k.ID,
			index:     i,
			pool:      p,
			connector: connector,
			observer:  obs,
			wakeup:    coord.Subscribe(context.Background(), k.ID),
		}
		poolsByID[k.ID] = p
		log.Printf("[main]   kind %s -> %s (max_weight=%d, max_waiters=%d)", k.ID, k.Addr(), k.MaxWeight, k.MaxWaiters)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Pool.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on :%d/metrics", cfg.Pool.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	checker := health.NewChecker(cfg, poolsByID)
	healthServer := checker.ServeHTTP(context.Background())

	hb := coordinator.NewHeartbeat(coord, cfg.Redis.HeartbeatInterval, cfg.Redis.HeartbeatTTL)
	hb.Start(context.Background())
	defer hb.Stop()

	apiServer := newDemoServer(pools, loop, coord)
	apiAddr := fmt.Sprintf(":%d", cfg.Pool.HealthCheckPort+1)
	go func() {
		log.Printf("[main] demo API listening on %s", apiAddr)
		if err := http.ListenAndServe(apiAddr, apiServer); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] demo API error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Println("[main] ready, waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, np := range pools {
		np.observer.Stop()
		done := make(chan struct{})
		np.pool.Close(loop, func(results []gopool.CloseResult, _ error) {
			for _, r := range results {
				if conn, ok := r.Connection.(*backend.Conn); ok {
					conn.Close()
				}
			}
			close(done)
		})
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Printf("[main] timed out waiting for pool %s to close", np.id)
		}
	}

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] health checker close error: %v", err)
	}

	log.Println("[main] shutdown complete")
}

// demoServer exposes a minimal HTTP surface over the pools: acquiring a
// connection, running a trivial query, and recycling the lease, so the
// whole acquire/use/recycle cycle can be driven without a wire-protocol
// client.
type demoServer struct {
	mux   *http.ServeMux
	pools map[string]*namedPool
	loop  gopool.Context
	coord *coordinator.Coordinator
}

func newDemoServer(pools map[string]*namedPool, loop gopool.Context, coord *coordinator.Coordinator) *demoServer {
	s := &demoServer{mux: http.NewServeMux(), pools: pools, loop: loop, coord: coord}
	s.mux.HandleFunc("/query", s.handleQuery)
	return s
}

func (s *demoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type queryResponse struct {
	Kind   string `json:"kind"`
	WaitMS int64  `json:"wait_ms"`
	Result int    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// maxTooBusyRetries bounds how many times handleQuery retries an
// ErrTooBusy acquire before giving up and reporting it to the caller.
const maxTooBusyRetries = 3

// tooBusyRetryWait is the fallback wait between retries when no wakeup
// notification arrives in time — e.g. in coordinator fallback mode.
const tooBusyRetryWait = 200 * time.Millisecond

// handleQuery acquires a connection for ?kind=<id>, runs "SELECT 1", and
// recycles the lease before responding. An optional ?pin=<reason> holds
// the lease's slot pinned (excluded from Evict) for the duration of the
// request, simulating the transaction/bulk-load pinning use case.
func (s *demoServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	kindID := r.URL.Query().Get("kind")
	np, ok := s.pools[kindID]
	if !ok {
		http.Error(w, "unknown kind", http.StatusNotFound)
		return
	}

	start := time.Now()
	lease, wait, err := s.acquireWithRetry(r, np, kindID, start)
	resp := queryResponse{Kind: kindID, WaitMS: wait.Milliseconds()}

	if err != nil {
		metrics.AcquireTotal.WithLabelValues(kindID, "error").Inc()
		var connErr *gopool.ConnectError
		if errors.As(err, &connErr) {
			metrics.ConnectErrorsTotal.WithLabelValues(kindID).Inc()
		}
		resp.Error = err.Error()
		s.writeResponse(w, resp)
		return
	}
	metrics.AcquireTotal.WithLabelValues(kindID, "success").Inc()

	pinReason := r.URL.Query().Get("pin")
	if pinReason != "" {
		lease.Pin(pinReason)
	}

	conn, _ := lease.Get().(*backend.Conn)
	var result int
	queryErr := conn.DB.QueryRowContext(r.Context(), "SELECT 1").Scan(&result)

	if resetErr := np.connector.Reset(conn); resetErr != nil {
		log.Printf("[pooldemo] kind %s — reset failed on conn %d, recycling it without a reset: %v",
			kindID, conn.ID, resetErr)
	}

	if pinReason != "" {
		reason, held := lease.Unpin()
		metrics.PinnedDuration.WithLabelValues(kindID, reason).Observe(held.Seconds())
	}

	if recErr := lease.Recycle(); recErr != nil {
		log.Printf("[pooldemo] kind %s — recycle failed: %v", kindID, recErr)
	} else {
		s.coord.Publish(r.Context(), kindID)
	}

	if queryErr != nil {
		resp.Error = queryErr.Error()
		s.writeResponse(w, resp)
		return
	}
	resp.Result = result
	s.writeResponse(w, resp)
}

func (s *demoServer) writeResponse(w http.ResponseWriter, resp queryResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// acquireWithRetry acquires a lease for kindID. A TOO_BUSY rejection is
// retried up to maxTooBusyRetries times: between attempts it waits for
// the coordinator's wakeup channel (a sibling instance's Recycle may
// have just freed capacity) or a fixed backoff, whichever comes first.
func (s *demoServer) acquireWithRetry(r *http.Request, np *namedPool, kindID string, start time.Time) (*gopool.Lease, time.Duration, error) {
	type acquireResult struct {
		lease *gopool.Lease
		err   error
	}

	for attempt := 0; ; attempt++ {
		metrics.AcquireTotal.WithLabelValues(kindID, "attempted").Inc()

		done := make(chan acquireResult, 1)
		np.pool.Acquire(s.loop, np.index, nil, func(lease *gopool.Lease, err error) {
			done <- acquireResult{lease, err}
		})
		res := <-done
		wait := time.Since(start)
		metrics.QueueWaitSeconds.WithLabelValues(kindID).Observe(wait.Seconds())

		if res.err == nil || !errors.Is(res.err, gopool.ErrTooBusy) || attempt >= maxTooBusyRetries {
			return res.lease, wait, res.err
		}

		select {
		case <-np.wakeup:
		case <-time.After(tooBusyRetryWait):
		case <-r.Context().Done():
			return nil, time.Since(start), res.err
		}
	}
}
