// Command server runs the telemetry ingest and insight API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/endpointmon/backend/internal/insight"
	"github.com/endpointmon/backend/internal/server/api"
	"github.com/endpointmon/backend/internal/server/config"
	"github.com/endpointmon/backend/internal/server/ingest"
	"github.com/endpointmon/backend/internal/server/ratelimit"
	"github.com/endpointmon/backend/internal/server/store"
	"github.com/endpointmon/backend/internal/server/taskqueue"
	"github.com/endpointmon/backend/internal/server/telemetry"
)

const (
	eventHistoryDays   = 31
	insightDedupWindow = 30 * time.Minute
	shutdownGrace      = 15 * time.Second
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	orgKeys := make(map[string]string, len(cfg.Orgs))
	for _, seed := range cfg.Orgs {
		if err := st.SeedOrg(ctx, seed.OrgID, seed.Name, store.HashSecret(seed.APIKey), seed.RateLimit); err != nil {
			return err
		}
		orgKeys[seed.OrgID] = seed.APIKey
		log.Info("org seeded", "org", seed.OrgID, "rate_limit_per_min", seed.RateLimit)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	limiter := ratelimit.New(rdb)

	computeTimeout := time.Duration(cfg.MaxComputeSeconds) * time.Second
	runner := taskqueue.NewRunner(rdb, recomputeFunc(st), cfg.RecomputeWorkers, computeTimeout, log)
	runner.OnTimeout = func(taskqueue.Task) { telemetry.RecomputeTimeoutsTotal.Inc() }

	ingestHandler := ingest.NewHandler(st, limiter, runner, orgKeys,
		time.Duration(cfg.ReplayWindowSeconds)*time.Second, cfg.MaxPayloadBytes, log)

	router := mux.NewRouter()
	router.Use(telemetry.Middleware)
	router.Handle("/ingest", ingestHandler).Methods(http.MethodPost)
	router.HandleFunc("/healthz", healthz(st, rdb)).Methods(http.MethodGet)
	router.Handle("/internal/metrics", telemetry.Handler(cfg.MetricsToken)).Methods(http.MethodGet)
	api.NewHandler(st, log).Register(router)

	var handler http.Handler = router
	handler = securityHeaders(handler)
	if cfg.EnforceHTTPS {
		handler = enforceHTTPS(handler)
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		runner.Run(workerCtx)
	}()
	go runner.Sweep(workerCtx, time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		func(ctx context.Context) ([]taskqueue.Task, error) {
			keys, err := st.ActiveDeviceKeys(ctx, time.Now().AddDate(0, 0, -1))
			if err != nil {
				return nil, err
			}
			tasks := make([]taskqueue.Task, len(keys))
			for i, key := range keys {
				tasks[i] = taskqueue.Task{OrgID: key.OrgID, DeviceID: key.DeviceID}
			}
			return tasks, nil
		})

	errs := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr())
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", "error", err)
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(shutdownGrace):
		log.Warn("recompute workers did not drain in time")
	}
	return nil
}

// recomputeFunc builds the task callback: read the device's trailing
// history, run the engine, persist the bundle.
func recomputeFunc(st *store.Store) taskqueue.ComputeFunc {
	return func(ctx context.Context, task taskqueue.Task) error {
		start := time.Now()
		defer func() { telemetry.RecomputeDuration.Observe(time.Since(start).Seconds()) }()

		since := time.Now().UTC().AddDate(0, 0, -eventHistoryDays)
		events, err := st.FetchDeviceEvents(ctx, task.OrgID, task.DeviceID, since)
		if err != nil {
			return err
		}
		bundle, err := insight.BuildBundle(events, time.Now().UTC(), insight.DefaultSeverityWeights())
		if err != nil {
			if err == insight.ErrNoEvents {
				return nil
			}
			return err
		}
		return st.PersistBundle(ctx, task.OrgID, task.DeviceID, bundle, insightDedupWindow, time.Now().UTC())
	}
}

func healthz(st *store.Store, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			http.Error(w, `{"status":"degraded","detail":"database unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, `{"status":"degraded","detail":"redis unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// securityHeaders sets the standard response hardening headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// enforceHTTPS rejects plaintext requests that did not arrive over TLS
// or through a TLS-terminating proxy.
func enforceHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			http.Error(w, `{"detail":"https required"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		next.ServeHTTP(w, r)
	})
}
