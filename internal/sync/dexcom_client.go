// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
	"github.com/glucolab/bgsync/internal/models"
)

// egvTimeFormat is the timestamp layout the provider expects in query
// parameters. It is RFC 3339 without a zone suffix; values are UTC.
const egvTimeFormat = "2006-01-02T15:04:05"

// maxErrorBody limits how much of an error response body is read for
// diagnostics.
const maxErrorBody = 64 * 1024

// TokenProvider supplies a valid access token for a user.
// *auth.TokenManager satisfies it.
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

// ReadingsFetcher is the provider surface the orchestrator consumes.
// *DexcomClient implements it for production; tests substitute fakes.
type ReadingsFetcher interface {
	FetchReadings(ctx context.Context, userID string, start, end time.Time) ([]models.EGVRecord, error)
}

// DexcomClient fetches estimated glucose values from the Dexcom API.
//
// Every call passes through three layers in order: the shared rate
// limiter (provider quota is per credential, not per user), the circuit
// breaker, and a bounded retry loop for transient failures. A single 429
// inside the breaker is honored once via its Retry-After hint; further
// 429s propagate so the job can back off as a whole.
type DexcomClient struct {
	baseURL    string
	tokens     TokenProvider
	limiter    *RateLimiter
	breaker    *Breaker
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// NewDexcomClient wires the client from configuration plus the shared
// limiter, breaker, and token manager.
func NewDexcomClient(cfg *config.DexcomConfig, tokens TokenProvider, limiter *RateLimiter, breaker *Breaker) *DexcomClient {
	return &DexcomClient{
		baseURL:    cfg.DexcomBaseURL(),
		tokens:     tokens,
		limiter:    limiter,
		breaker:    breaker,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
	}
}

// FetchReadings retrieves the user's EGV records in [start, end).
// Transient failures are retried with jittered exponential backoff up to
// the configured attempt cap; permanent provider rejections and an open
// circuit fail immediately.
func (c *DexcomClient) FetchReadings(ctx context.Context, userID string, start, end time.Time) ([]models.EGVRecord, error) {
	var records []models.EGVRecord

	operation := func() error {
		result, err := c.fetchOnce(ctx, userID, start, end)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			metrics.APIRetries.Inc()
			logging.Ctx(ctx).Warn().
				Str("user_id", userID).
				Err(err).
				Msg("Provider fetch failed, will retry")
			return err
		}
		records = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// fetchOnce performs a single limiter-gated, breaker-protected request.
func (c *DexcomClient) fetchOnce(ctx context.Context, userID string, start, end time.Time) ([]models.EGVRecord, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doFetch(ctx, userID, start, end)
	})
	if err != nil {
		c.countResult(err)
		return nil, err
	}

	metrics.APIRequestsTotal.WithLabelValues("success").Inc()
	records, ok := result.([]models.EGVRecord)
	if !ok {
		return nil, fmt.Errorf("provider client: unexpected result type %T", result)
	}
	return records, nil
}

// doFetch issues the HTTP request. Runs inside the circuit breaker.
func (c *DexcomClient) doFetch(ctx context.Context, userID string, start, end time.Time) (interface{}, error) {
	token, err := c.tokens.GetValidToken(ctx, userID)
	if err != nil {
		// Auth failures are the user's problem, not the provider's.
		return nil, backoffSafeAuthError(err)
	}

	records, err := c.get(ctx, token, start, end)
	if err == nil {
		return records, nil
	}

	// Honor a short server-advised wait once per call. Anything longer
	// propagates so the whole job backs off instead of parking a worker.
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 && rateLimited.RetryAfter <= 30*time.Second {
		metrics.APIRequestsTotal.WithLabelValues("rate_limited").Inc()
		logging.Ctx(ctx).Warn().
			Dur("retry_after", rateLimited.RetryAfter).
			Msg("Provider rate limit hit, honoring Retry-After")
		select {
		case <-time.After(rateLimited.RetryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.get(ctx, token, start, end)
	}
	return nil, err
}

// get executes one GET against the egvs endpoint and decodes or
// classifies the response.
func (c *DexcomClient) get(ctx context.Context, token string, start, end time.Time) ([]models.EGVRecord, error) {
	params := url.Values{}
	params.Set("startDate", start.UTC().Format(egvTimeFormat))
	params.Set("endDate", end.UTC().Format(egvTimeFormat))
	endpoint := fmt.Sprintf("%s/v2/users/self/egvs?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var envelope models.EGVResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("failed to decode egvs response: %w", err)}
		}
		return envelope.EGVs, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body := readBodyForError(resp.Body)
		return nil, &PermanentAPIError{Status: resp.StatusCode, Body: string(body)}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body := readBodyForError(resp.Body)
		return nil, &PermanentAPIError{Status: resp.StatusCode, Body: string(body)}

	default:
		body := readBodyForError(resp.Body)
		return nil, &TransientError{
			Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, body),
		}
	}
}

// countResult classifies a failed call for the provider request counter.
func (c *DexcomClient) countResult(err error) {
	var rateLimited *RateLimitError
	var permanent *PermanentAPIError
	switch {
	case errors.Is(err, ErrCircuitOpen):
		metrics.APIRequestsTotal.WithLabelValues("rejected").Inc()
	case errors.As(err, &rateLimited):
		metrics.APIRequestsTotal.WithLabelValues("rate_limited").Inc()
	case errors.As(err, &permanent):
		metrics.APIRequestsTotal.WithLabelValues("permanent").Inc()
	default:
		metrics.APIRequestsTotal.WithLabelValues("transient").Inc()
	}
}

// parseRetryAfter interprets a Retry-After header value in seconds.
// HTTP-date forms are rare from this provider and are treated as absent.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// readBodyForError reads a bounded amount of the response body for error
// reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBody {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

// backoffSafeAuthError wraps token failures so they are never retried by
// the backoff loop. Re-authorization errors already carry their sentinel.
func backoffSafeAuthError(err error) error {
	return fmt.Errorf("failed to obtain access token: %w", err)
}
