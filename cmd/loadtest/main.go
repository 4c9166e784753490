// Command loadtest fires signed ingest batches at a running server and
// reports latency and acceptance statistics. Useful for sizing the rate
// limiter and the recompute worker pool.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/endpointmon/backend/internal/signing"
	"github.com/endpointmon/backend/internal/wire"
)

type loadConfig struct {
	serverURL   string
	orgID       string
	apiKey      string
	devices     int
	requests    int
	concurrency int
	batchSize   int
}

type loadStats struct {
	total    uint64
	accepted uint64
	rejected uint64
	failed   uint64
}

func main() {
	cfg := loadConfig{}
	flag.StringVar(&cfg.serverURL, "server", "http://127.0.0.1:8000", "server base URL")
	flag.StringVar(&cfg.orgID, "org", "dev-org", "org id")
	flag.StringVar(&cfg.apiKey, "key", "", "org API key")
	flag.IntVar(&cfg.devices, "devices", 10, "simulated device count")
	flag.IntVar(&cfg.requests, "requests", 200, "total ingest requests")
	flag.IntVar(&cfg.concurrency, "concurrency", 8, "concurrent senders")
	flag.IntVar(&cfg.batchSize, "batch", 25, "events per batch")
	flag.Parse()

	if cfg.apiKey == "" {
		slog.Error("-key is required")
		return
	}

	slog.Info("starting ingest load test",
		"server", cfg.serverURL, "requests", cfg.requests, "concurrency", cfg.concurrency)

	stats := &loadStats{}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	devices := make([]string, cfg.devices)
	for i := range devices {
		devices[i] = "load-" + uuid.New().String()[:8]
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 10 * time.Second}

	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				device := devices[i%len(devices)]
				start := time.Now()
				accepted, err := sendBatch(client, cfg, device)
				elapsed := time.Since(start)

				latenciesMu.Lock()
				latencies = append(latencies, elapsed)
				latenciesMu.Unlock()

				atomic.AddUint64(&stats.total, 1)
				switch {
				case err != nil:
					atomic.AddUint64(&stats.failed, 1)
				case accepted > 0:
					atomic.AddUint64(&stats.accepted, 1)
				default:
					atomic.AddUint64(&stats.rejected, 1)
				}
			}
		}()
	}

	begin := time.Now()
	for i := 0; i < cfg.requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	wall := time.Since(begin)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	slog.Info("load test complete",
		"total", stats.total,
		"accepted", stats.accepted,
		"rejected", stats.rejected,
		"failed", stats.failed,
		"wall", wall,
		"rps", fmt.Sprintf("%.1f", float64(stats.total)/wall.Seconds()),
		"p50", percentile(latencies, 50),
		"p95", percentile(latencies, 95),
		"p99", percentile(latencies, 99))
}

func sendBatch(client *http.Client, cfg loadConfig, device string) (int, error) {
	now := time.Now().UTC()
	events := make([]wire.Event, cfg.batchSize)
	for i := range events {
		events[i] = wire.NewEvent(now.Add(-time.Duration(i)*time.Second),
			wire.SourceProcess, wire.SeverityInfo, wire.PlatformMacOS,
			"process_seen", map[string]any{
				"process_name": fmt.Sprintf("proc-%d", i),
				"pid":          1000 + i,
				"exe":          "/usr/bin/proc",
			})
	}
	req := wire.IngestRequest{
		OrgID:        cfg.orgID,
		DeviceID:     device,
		AgentVersion: "loadtest",
		SentAt:       now,
		Nonce:        signing.NewNonce(),
		Events:       events,
	}
	body, err := req.CanonicalBody()
	if err != nil {
		return 0, err
	}
	headers := signing.BuildHeaders(body, cfg.apiKey, cfg.orgID, device, now.Unix(), req.Nonce)

	httpReq, err := http.NewRequest(http.MethodPost, cfg.serverURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range headers.Map() {
		httpReq.Header.Set(name, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	var ir wire.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return 0, err
	}
	return ir.Accepted, nil
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
