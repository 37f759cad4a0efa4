package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/connpool/internal/metrics"
)

// Heartbeat periodically refreshes this instance's liveness key in
// Redis and prunes dead instances from the active set, so a stale
// instance never lingers forever in the registered instance set.
type Heartbeat struct {
	coordinator *Coordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat builds a heartbeat worker for c with the given interval
// and ttl; a zero interval defaults to 10s and a zero ttl to 30s.
func NewHeartbeat(c *Coordinator, interval, ttl time.Duration) *Heartbeat {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Heartbeat{coordinator: c, interval: interval, ttl: ttl, stopCh: make(chan struct{})}
}

// Start launches the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] started: interval=%s ttl=%s instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop signals the heartbeat loop to exit.
func (hb *Heartbeat) Stop() { close(hb.stopCh) }

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.send(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	cleanupEvery := 0
	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			hb.send(ctx)
			cleanupEvery++
			if cleanupEvery%3 == 0 {
				hb.cleanupDead(ctx)
			}
		}
	}
}

func (hb *Heartbeat) send(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}
	key := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	if err := hb.coordinator.client.Set(ctx, key, time.Now().Unix(), hb.ttl).Err(); err != nil {
		log.Printf("[heartbeat] send failed: %v", err)
		metrics.RedisOperationsTotal.WithLabelValues("heartbeat", "error").Inc()
		metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(0)
		return
	}
	metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(1)
	metrics.RedisOperationsTotal.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDead drops instances whose heartbeat key has expired from the
// active set.
func (hb *Heartbeat) cleanupDead(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		log.Printf("[heartbeat] list instances failed: %v", err)
		return
	}

	for _, id := range instances {
		if id == hb.coordinator.instanceID {
			continue
		}
		key := fmt.Sprintf(keyInstanceHB, id)
		exists, err := hb.coordinator.client.Exists(ctx, key).Result()
		if err != nil || exists > 0 {
			continue
		}
		log.Printf("[heartbeat] instance %s appears dead, removing from active set", id)
		hb.coordinator.client.SRem(ctx, keyInstanceList, id)
	}
}
