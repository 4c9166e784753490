// Package ingest implements the authenticated event intake pipeline.
// Stages run in strict order and every failure is a hard reject with a
// distinct reason label; nothing is persisted unless every check before
// the transaction passed, and the nonce insert rides inside the same
// transaction as the event writes.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/endpointmon/backend/internal/server/store"
	"github.com/endpointmon/backend/internal/server/taskqueue"
	"github.com/endpointmon/backend/internal/server/telemetry"
	"github.com/endpointmon/backend/internal/signing"
	"github.com/endpointmon/backend/internal/wire"
)

// Reject reason labels, stable for logs and metrics.
const (
	ReasonMissingHeader    = "missing_header"
	ReasonUnknownOrg       = "unknown_org"
	ReasonOrgInactive      = "org_inactive"
	ReasonRateLimited      = "rate_limited"
	ReasonEmptyBody        = "empty_body"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonKeyMismatch      = "key_mismatch"
	ReasonBadSignature     = "bad_signature"
	ReasonTimestampWindow  = "timestamp_out_of_window"
	ReasonSchemaInvalid    = "schema_invalid"
	ReasonHeaderBodyDrift  = "header_body_mismatch"
	ReasonSentAtSkew       = "sent_at_skew"
	ReasonReplay           = "replay"
	ReasonStorageError     = "storage_error"
)

// Store is the persistence slice the pipeline needs.
type Store interface {
	GetOrg(ctx context.Context, orgID string) (*store.Org, error)
	IngestTx(ctx context.Context, req *wire.IngestRequest, window time.Duration, now time.Time) (int, error)
}

// Limiter is the rate-limiter slice the pipeline needs.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// Enqueuer schedules post-commit recomputes.
type Enqueuer interface {
	Enqueue(ctx context.Context, task taskqueue.Task) error
}

// Handler is the /ingest endpoint.
type Handler struct {
	store   Store
	limiter Limiter
	queue   Enqueuer
	log     *slog.Logger

	// orgKeys maps org id to its raw signing key from seed material.
	orgKeys map[string]string

	replayWindow    time.Duration
	maxPayloadBytes int

	// Now is swappable for tests.
	Now func() time.Time
}

func NewHandler(st Store, limiter Limiter, queue Enqueuer, orgKeys map[string]string,
	replayWindow time.Duration, maxPayloadBytes int, log *slog.Logger) *Handler {
	return &Handler{
		store:           st,
		limiter:         limiter,
		queue:           queue,
		log:             log,
		orgKeys:         orgKeys,
		replayWindow:    replayWindow,
		maxPayloadBytes: maxPayloadBytes,
		Now:             time.Now,
	}
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, detail string) {
	telemetry.IngestRejectsTotal.WithLabelValues(reason).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Now().UTC()

	// 1. header presence
	orgID := r.Header.Get(signing.HeaderOrg)
	deviceID := r.Header.Get(signing.HeaderDevice)
	rawTimestamp := r.Header.Get(signing.HeaderTimestamp)
	nonce := r.Header.Get(signing.HeaderNonce)
	signature := r.Header.Get(signing.HeaderSignature)
	if orgID == "" || deviceID == "" || rawTimestamp == "" || nonce == "" || signature == "" {
		h.reject(w, http.StatusBadRequest, ReasonMissingHeader, "missing required signing headers")
		return
	}

	// 2. org lookup
	org, err := h.store.GetOrg(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrUnknownOrg) {
			h.reject(w, http.StatusUnauthorized, ReasonUnknownOrg, "unknown org")
			return
		}
		h.log.Error("org lookup failed", "org", orgID, "error", err)
		h.reject(w, http.StatusInternalServerError, ReasonStorageError, "storage unavailable")
		return
	}
	if !org.Active {
		h.reject(w, http.StatusUnauthorized, ReasonOrgInactive, "org is not active")
		return
	}

	// 3. rate limit
	allowed, err := h.limiter.Allow(ctx, orgID, org.RateLimitPerMin)
	if err != nil || !allowed {
		h.reject(w, http.StatusTooManyRequests, ReasonRateLimited, "rate limit exceeded")
		return
	}

	// 4. body bounds
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.maxPayloadBytes)+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, ReasonEmptyBody, "unreadable request body")
		return
	}
	if len(body) == 0 {
		h.reject(w, http.StatusBadRequest, ReasonEmptyBody, "empty request body")
		return
	}
	if len(body) > h.maxPayloadBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "payload exceeds size limit")
		return
	}

	// 5. org-key integrity: the seeded signing key must still hash to
	// the stored record, guarding against seed/store drift.
	apiKey, ok := h.orgKeys[orgID]
	if !ok || store.HashSecret(apiKey) != org.APIKeyHash {
		h.reject(w, http.StatusUnauthorized, ReasonKeyMismatch, "org signing key mismatch")
		return
	}

	// 6. signature over the canonical re-encoding
	if err := signing.Verify(body, signature, apiKey); err != nil {
		h.reject(w, http.StatusUnauthorized, ReasonBadSignature, "signature verification failed")
		return
	}

	// 7. timestamp window
	headerTS, err := signing.VerifyTimestamp(rawTimestamp, now, h.replayWindow)
	if err != nil {
		h.reject(w, http.StatusUnauthorized, ReasonTimestampWindow, "timestamp outside allowed window")
		return
	}

	// 8. schema
	req, err := wire.ParseIngestRequest(body)
	if err != nil {
		h.reject(w, http.StatusUnprocessableEntity, ReasonSchemaInvalid, err.Error())
		return
	}

	// 9. header/body agreement
	if req.OrgID != orgID || req.DeviceID != deviceID || req.Nonce != nonce {
		h.reject(w, http.StatusBadRequest, ReasonHeaderBodyDrift, "header and body identity fields disagree")
		return
	}

	// 10. send-time skew
	skew := headerTS.Sub(req.SentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > h.replayWindow {
		h.reject(w, http.StatusUnauthorized, ReasonSentAtSkew, "sent_at disagrees with signed timestamp")
		return
	}

	// 11-12. replay check + persistence, one transaction
	accepted, err := h.store.IngestTx(ctx, req, h.replayWindow, now)
	if err != nil {
		if errors.Is(err, store.ErrReplay) {
			h.reject(w, http.StatusConflict, ReasonReplay, "nonce already used")
			return
		}
		h.log.Error("ingest persistence failed", "org", orgID, "device", deviceID, "error", err)
		h.reject(w, http.StatusInternalServerError, ReasonStorageError, "storage unavailable")
		return
	}

	// 13. recompute after commit so the worker sees this request's rows
	if h.queue != nil {
		if err := h.queue.Enqueue(ctx, taskqueue.Task{OrgID: orgID, DeviceID: deviceID}); err != nil {
			h.log.Warn("recompute enqueue failed", "org", orgID, "device", deviceID, "error", err)
		}
	}

	telemetry.IngestEventsTotal.Add(float64(accepted))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wire.IngestResponse{
		Accepted:   accepted,
		Rejected:   0,
		ServerTime: now,
	})
}
