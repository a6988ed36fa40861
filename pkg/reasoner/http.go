// SPDX-License-Identifier: Apache-2.0

package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// HTTPConfig configures the HTTP collaborator client.
type HTTPConfig struct {
	// BaseURL of the collaborator service, e.g. "http://localhost:8900".
	BaseURL string
	// Model is an opaque hint forwarded to the collaborator.
	Model string
	// Timeout bounds a single consultation.
	Timeout time.Duration
}

// HTTPReasoner consults a collaborator over HTTP. One POST per
// decision; the caller owns retries.
type HTTPReasoner struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// HTTPOption configures an HTTPReasoner.
type HTTPOption func(*HTTPReasoner)

// WithHTTPClient substitutes the underlying client, used in tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPReasoner) { r.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(r *HTTPReasoner) { r.logger = logger }
}

// NewHTTPReasoner builds the client. A zero Timeout defaults to 30s.
func NewHTTPReasoner(cfg HTTPConfig, opts ...HTTPOption) *HTTPReasoner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &HTTPReasoner{
		cfg:    cfg,
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type wireRequest struct {
	Request
	Model string `json:"model,omitempty"`
}

// Decide implements Reasoner. Transport failures, timeouts, and 5xx
// responses come back recoverable; malformed responses and 4xx do not.
func (r *HTTPReasoner) Decide(ctx context.Context, req Request) (*Decision, error) {
	body, err := json.Marshal(wireRequest{Request: req, Model: r.cfg.Model})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode decision request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/decide", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "build decision request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeTimeout, "collaborator deadline exceeded", err).
				WithContext("role", string(req.Role))
		}
		return nil, errors.New(errors.CodeTransient, "collaborator unreachable", err).
			WithContext("role", string(req.Role))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.New(errors.CodeTransient, "read collaborator response", err)
	}

	r.logger.Debug("collaborator consulted",
		"role", req.Role,
		"status", resp.StatusCode,
		"elapsed", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return DecodeDecision(raw)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.New(errors.CodeTransient, "collaborator error", nil).
			WithContext("status", resp.StatusCode)
	default:
		return nil, errors.New(errors.CodeInvalidInput, "collaborator rejected request", nil).
			WithContext("status", resp.StatusCode).
			WithContext("body", string(raw))
	}
}

var _ Reasoner = (*HTTPReasoner)(nil)
