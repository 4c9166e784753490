// Package runtime drives the agent's collect-split-spool-send cycle.
// The cycle never aborts on a collector failure and never loses a batch
// to a transient delivery failure; only a locally unbuildable batch is
// discarded, to keep the queue from wedging behind it.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/endpointmon/backend/internal/agent/collector"
	"github.com/endpointmon/backend/internal/agent/config"
	"github.com/endpointmon/backend/internal/agent/sender"
	"github.com/endpointmon/backend/internal/agent/spool"
	"github.com/endpointmon/backend/internal/wire"
)

// sendBatchLimit caps how many due batches one cycle attempts.
const sendBatchLimit = 20

// Summary reports one cycle's outcome.
type Summary struct {
	Collected  int
	Queued     int
	Sent       int
	Failed     int
	Dropped    int64
	SpoolDepth int
}

func (s Summary) String() string {
	return fmt.Sprintf("collected=%d queued=%d sent=%d failed=%d dropped=%d spool_depth=%d",
		s.Collected, s.Queued, s.Sent, s.Failed, s.Dropped, s.SpoolDepth)
}

// Runtime owns the per-cycle pipeline.
type Runtime struct {
	cfg        *config.Config
	log        *slog.Logger
	spool      *spool.Spool
	sender     *sender.Sender
	collectors []collector.Collector
	observer   *collector.Observer
}

// New assembles the runtime: platform collector set, spool, sender, and
// the optional filewatch observer.
func New(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	sp, err := spool.Open(config.DefaultSpoolPath(), cfg.SpoolMaxBatches)
	if err != nil {
		return nil, err
	}

	platform := config.CurrentPlatform()
	maxEvents := cfg.MaxBatchEvents

	var observer *collector.Observer
	collectors := []collector.Collector{
		collector.NewProcessCollector(platform, cfg.DenyProcessNames, cfg.UnusualExecPaths, maxEvents),
		collector.NewNetworkCollector(platform, maxEvents),
		collector.NewPersistenceCollector(platform, maxEvents),
		collector.NewScheduledTaskCollector(platform, maxEvents),
	}
	if platform == wire.PlatformWindows {
		collectors = append(collectors, collector.NewWindowsAuthCollector(maxEvents))
	} else {
		collectors = append(collectors, collector.NewMacOSAuthCollector(maxEvents))
	}
	if cfg.EnableFilewatch {
		observer, err = collector.NewObserver(platform, cfg.WatchPaths, maxEvents)
		if err != nil {
			log.Warn("filewatch observer unavailable", "error", err)
			observer = nil
		}
		collectors = append(collectors, collector.NewFilewatchCollector(
			platform, cfg.WatchPaths, config.FilewatchStatePath(), maxEvents, observer))
	}

	return &Runtime{
		cfg:        cfg,
		log:        log,
		spool:      sp,
		sender:     sender.New(cfg),
		collectors: collectors,
		observer:   observer,
	}, nil
}

// Close releases the spool and the filewatch observer.
func (r *Runtime) Close() error {
	if r.observer != nil {
		r.observer.Close()
	}
	return r.spool.Close()
}

// CollectEvents runs every collector, converting failures into single
// WARN envelopes so one broken probe never sinks the cycle.
func (r *Runtime) CollectEvents() []wire.Event {
	var events []wire.Event
	for _, c := range r.collectors {
		collected, err := r.collectOne(c)
		if err != nil {
			r.log.Warn("collector failed", "collector", c.Name(), "error", err)
			events = append(events, collector.FailureEvent(config.CurrentPlatform(), c.Name(), err))
			continue
		}
		events = append(events, collected...)
	}
	if spike := SpikeEvent(events, r.cfg.Platform.FailedLoginSpikeThreshold, r.cfg.IntervalSeconds); spike != nil {
		events = append(events, *spike)
	}
	return events
}

func (r *Runtime) collectOne(c collector.Collector) (events []wire.Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			events = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return c.Collect()
}

// isFailedLogin reports whether an auth envelope counts toward the
// spike rule.
func isFailedLogin(event wire.Event) bool {
	if event.Source != wire.SourceAuth {
		return false
	}
	if strings.Contains(strings.ToLower(event.Title), "failed") {
		return true
	}
	if kind, ok := event.Details["event_type"].(string); ok && kind == "failed_login" {
		return true
	}
	return false
}

// SpikeEvent synthesizes the failed-login spike envelope when this
// cycle's auth events cross the threshold. Severity escalates to HIGH
// at twice the threshold.
func SpikeEvent(events []wire.Event, threshold, windowSeconds int) *wire.Event {
	if threshold < 1 {
		threshold = 5
	}
	count := 0
	for _, event := range events {
		if isFailedLogin(event) {
			count++
		}
	}
	if count < threshold {
		return nil
	}
	severity := wire.SeverityWarn
	if count >= 2*threshold {
		severity = wire.SeverityHigh
	}
	if windowSeconds < 1 {
		windowSeconds = 60
	}
	spike := wire.NewEvent(time.Now(), wire.SourceAuth, severity, config.CurrentPlatform(),
		"failed_login_spike", map[string]any{
			"count":           count,
			"threshold":       threshold,
			"window_seconds":  windowSeconds,
			"rate_per_minute": round2(float64(count) / (float64(windowSeconds) / 60.0)),
		})
	return &spike
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// SplitBatches greedily packs events into batches bounded by both the
// event count and the canonical size of the full request shape. An
// event whose singleton batch exceeds the byte bound is still emitted
// alone; rejecting oversize events is the server's job.
func SplitBatches(events []wire.Event, orgID, deviceID, agentVersion string, maxEvents, maxBytes int) [][]wire.Event {
	if len(events) == 0 {
		return nil
	}
	// fixed-width placeholders so measured size matches a real request
	probe := wire.IngestRequest{
		OrgID:        orgID,
		DeviceID:     deviceID,
		AgentVersion: agentVersion,
		SentAt:       time.Now(),
		Nonce:        strings.Repeat("n", wire.NonceMinLength),
	}
	size := func(batch []wire.Event) int {
		probe.Events = batch
		body, err := probe.CanonicalBody()
		if err != nil {
			return maxBytes + 1
		}
		return len(body)
	}

	var batches [][]wire.Event
	var current []wire.Event
	for _, event := range events {
		candidate := append(current, event)
		if len(current) > 0 && (len(candidate) > maxEvents || size(candidate) > maxBytes) {
			batches = append(batches, current)
			current = []wire.Event{event}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// RunOnce executes one full cycle and returns its summary.
func (r *Runtime) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	events := r.CollectEvents()
	summary.Collected = len(events)

	batches := SplitBatches(events, r.cfg.OrgID, r.cfg.DeviceID, r.cfg.AgentVersion,
		r.cfg.MaxBatchEvents, wire.MaxPayloadBytes)
	for _, batch := range batches {
		if _, err := r.spool.Enqueue(batch); err != nil {
			r.log.Error("enqueue failed", "error", err, "events", len(batch))
			summary.Failed++
			continue
		}
		summary.Queued++
	}

	due, err := r.spool.DueBatches(sendBatchLimit)
	if err != nil {
		return summary, fmt.Errorf("select due batches: %w", err)
	}
	for _, batch := range due {
		if ctx.Err() != nil {
			break
		}
		result := r.sender.Deliver(batch.Events)
		switch result.Outcome {
		case sender.OutcomeSent:
			if err := r.spool.MarkSent(batch.ID); err != nil {
				r.log.Error("mark sent failed", "batch", batch.ID, "error", err)
			}
			summary.Sent++
			r.log.Info("batch delivered", "batch", batch.ID, "accepted", result.Accepted)
		case sender.OutcomePoison:
			// unbuildable forever; drop it so the queue keeps moving
			if err := r.spool.MarkSent(batch.ID); err != nil {
				r.log.Error("drop poison batch failed", "batch", batch.ID, "error", err)
			}
			summary.Failed++
			r.log.Warn("batch unbuildable, dropped", "batch", batch.ID, "error", result.Err)
		default:
			if err := r.spool.MarkFailed(batch.ID); err != nil {
				r.log.Error("mark failed failed", "batch", batch.ID, "error", err)
			}
			summary.Failed++
			r.log.Warn("batch delivery failed", "batch", batch.ID,
				"status", result.Status, "retry", batch.RetryCount+1, "error", result.Err)
		}
	}

	dropped, err := r.spool.EnforceLimit()
	if err != nil {
		r.log.Error("spool limit enforcement failed", "error", err)
	}
	summary.Dropped = dropped

	depth, err := r.spool.Count()
	if err != nil {
		return summary, fmt.Errorf("spool depth: %w", err)
	}
	summary.SpoolDepth = depth
	return summary, nil
}

// RunDaemon repeats cycles every interval until the context cancels.
// The inter-cycle wait wakes immediately on cancellation.
func (r *Runtime) RunDaemon(ctx context.Context) error {
	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := r.RunOnce(ctx)
		if err != nil {
			r.log.Error("cycle failed", "error", err)
		} else {
			r.log.Info("cycle complete", "summary", summary.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
