// Command loadgen drives concurrent load against a running pooldemo
// instance's HTTP API to exercise Acquire/Recycle under contention.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetAddr  = flag.String("addr", "http://localhost:8081", "pooldemo demo API address")
	kindID      = flag.String("kind", "", "kind ID to query (required)")
	concurrency = flag.Int("concurrency", 10, "number of concurrent callers")
	total       = flag.Int("total", 1000, "total requests to issue")
	timeout     = flag.Duration("timeout", 10*time.Second, "per-request timeout")
)

type result struct {
	err      error
	waitMS   int64
	duration time.Duration
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *kindID == "" {
		log.Fatal("[loadgen] -kind is required")
	}

	log.Printf("[loadgen] target=%s kind=%s concurrency=%d total=%d",
		*targetAddr, *kindID, *concurrency, *total)

	client := &http.Client{Timeout: *timeout}
	url := fmt.Sprintf("%s/query?kind=%s", *targetAddr, *kindID)

	var issued atomic.Int64
	results := make(chan result, *total)

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n := issued.Add(1)
				if n > int64(*total) {
					return
				}
				results <- doQuery(client, url)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		ok, failed  int
		totalWaitMS int64
		maxDuration time.Duration
	)
	start := time.Now()
	for r := range results {
		if r.err != nil {
			failed++
			continue
		}
		ok++
		totalWaitMS += r.waitMS
		if r.duration > maxDuration {
			maxDuration = r.duration
		}
	}
	elapsed := time.Since(start)

	log.Printf("[loadgen] done in %s: ok=%d failed=%d throughput=%.1f req/s",
		elapsed, ok, failed, float64(ok)/elapsed.Seconds())
	if ok > 0 {
		log.Printf("[loadgen] avg queue wait=%.1fms max request latency=%s",
			float64(totalWaitMS)/float64(ok), maxDuration)
	}
}

func doQuery(client *http.Client, url string) result {
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return result{err: err, duration: time.Since(start)}
	}
	defer resp.Body.Close()

	var body struct {
		WaitMS int64  `json:"wait_ms"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return result{err: err, duration: time.Since(start)}
	}
	if body.Error != "" {
		return result{err: fmt.Errorf("%s", body.Error), duration: time.Since(start)}
	}
	return result{waitMS: body.WaitMS, duration: time.Since(start)}
}
