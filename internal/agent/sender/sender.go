// Package sender builds signed ingest requests and delivers spooled
// batches. The outcome taxonomy matters more than the transport: a
// build failure is a poison pill (the batch can never succeed, so it is
// removed and counted failed), while transport errors and non-200
// statuses reschedule the batch for retry.
package sender

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/endpointmon/backend/internal/agent/config"
	"github.com/endpointmon/backend/internal/signing"
	"github.com/endpointmon/backend/internal/wire"
)

// ErrBuild marks batches that cannot be turned into a valid request
// locally. Wrapped causes include validation failures and oversize
// canonical bodies.
var ErrBuild = errors.New("build ingest request")

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeSent means the server accepted the batch.
	OutcomeSent Outcome = iota
	// OutcomeRetry means a transient failure; the batch stays spooled.
	OutcomeRetry
	// OutcomePoison means the batch can never be delivered and must be
	// dropped from the spool.
	OutcomePoison
)

// Result is the detail of one delivery attempt.
type Result struct {
	Outcome  Outcome
	Accepted int
	Status   int
	Err      error
}

// Sender delivers event batches to the ingest endpoint.
type Sender struct {
	cfg    *config.Config
	client *http.Client
}

func New(cfg *config.Config) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Sender{
		cfg: cfg,
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: transport,
		},
	}
}

// Build assembles the signed request for a batch: canonical body plus
// the five signing headers. Errors wrap ErrBuild.
func (s *Sender) Build(events []wire.Event) ([]byte, signing.Headers, error) {
	req := wire.IngestRequest{
		OrgID:        s.cfg.OrgID,
		DeviceID:     s.cfg.DeviceID,
		AgentVersion: s.cfg.AgentVersion,
		SentAt:       time.Now(),
		Nonce:        signing.NewNonce(),
		Events:       events,
	}
	if err := req.Validate(); err != nil {
		return nil, signing.Headers{}, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	body, err := req.CanonicalBody()
	if err != nil {
		return nil, signing.Headers{}, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	if len(body) > wire.MaxPayloadBytes {
		return nil, signing.Headers{}, fmt.Errorf("%w: canonical body %d bytes exceeds %d",
			ErrBuild, len(body), wire.MaxPayloadBytes)
	}
	headers := signing.BuildHeaders(body, s.cfg.APIKey, s.cfg.OrgID, s.cfg.DeviceID, 0, req.Nonce)
	return body, headers, nil
}

// Deliver builds and posts one batch, classifying the result.
func (s *Sender) Deliver(events []wire.Event) Result {
	body, headers, err := s.Build(events)
	if err != nil {
		return Result{Outcome: OutcomePoison, Err: err}
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.ServerURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePoison, Err: fmt.Errorf("%w: %v", ErrBuild, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers.Map() {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeRetry, Err: fmt.Errorf("post ingest: %w", err)}
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return Result{
			Outcome: OutcomeRetry,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("ingest returned status %d: %s", resp.StatusCode, bytes.TrimSpace(payload)),
		}
	}

	var ir wire.IngestResponse
	if err := json.Unmarshal(payload, &ir); err != nil {
		return Result{
			Outcome: OutcomeRetry,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("decode ingest response: %w", err),
		}
	}
	return Result{Outcome: OutcomeSent, Accepted: ir.Accepted, Status: resp.StatusCode}
}
