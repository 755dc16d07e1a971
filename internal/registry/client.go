// Package registry implements the Pack Registry Client: fetching signed
// compliance packs over HTTP with DSSE verification, conditional GET, and
// bounded retry with jittered backoff.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rul1an/assay/internal/trust"
)

// FetchError classifies why a pack fetch failed, matching §6's registry
// error surface.
type FetchError struct {
	Code        string
	StatusCode  int
	Reason      string // set when the registry returns 410 with a revocation reason
	SafeVersion string // set when the registry returns 410 with a safe_version hint
}

func (e *FetchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (status %d, reason=%q, safe_version=%s)", e.Code, e.StatusCode, e.Reason, e.SafeVersion)
	}
	if e.SafeVersion != "" {
		return fmt.Sprintf("%s (status %d, safe_version=%s)", e.Code, e.StatusCode, e.SafeVersion)
	}
	return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
}

const (
	CodeUnauthorized = "Unauthorized"
	CodeNotFound     = "NotFound"
	CodeRevoked      = "Revoked"
	CodeRateLimited  = "RateLimited"
	CodeServerError  = "ServerError"
	CodeTransport    = "TransportError"
)

// FetchResult is a successfully retrieved and verified pack, or a cache-hit
// signal when the server answered 304 Not Modified.
type FetchResult struct {
	NotModified bool
	ETag        string
	PackBytes   []byte
	Envelope    Envelope
}

// Config controls the HTTP client's endpoint, trust store, and retry policy.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Trust      *trust.Store

	MaxRetries int           // default 5
	BaseDelay  time.Duration // default 1s, doubled per retry up to MaxDelay
	MaxDelay   time.Duration // default 30s

	// RequestsPerSecond caps outbound fetch rate, independent of retry
	// backoff, so a misbehaving caller can't hammer the registry across
	// many concurrent Fetch calls. Zero disables limiting.
	RequestsPerSecond float64
}

// Client fetches packs by name+version from the registry, verifying DSSE
// signatures before returning pack bytes to the caller.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	c := &Client{cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

type packMeta struct {
	ETag     string   `json:"etag"`
	PackYAML string   `json:"pack_yaml"`
	Envelope Envelope `json:"envelope"`
}

// Fetch retrieves pack name@version, honoring etag for conditional GET, and
// verifies its DSSE envelope against c's trust store before returning. The
// request is retried on 429/5xx/transport errors with exponential backoff,
// full jitter, and Retry-After header honoring; 401/404/410 never retry.
func (c *Client) Fetch(ctx context.Context, name, version, etag string) (*FetchResult, error) {
	url := fmt.Sprintf("%s/packs/%s/%s", c.cfg.BaseURL, name, version)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay, ok := retryDelay(lastErr, attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
			if !ok {
				return nil, lastErr
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := c.doOnce(ctx, url, etag)
		if err == nil {
			return res, nil
		}
		lastErr = err

		fe, ok := err.(*FetchError)
		if !ok {
			continue // transport error, retry
		}
		switch fe.Code {
		case CodeRateLimited, CodeServerError:
			continue
		default:
			return nil, err // fail-closed, no retry
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url, etag string) (*FetchResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &FetchResult{NotModified: true, ETag: etag}, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var meta packMeta
		if err := json.Unmarshal(body, &meta); err != nil {
			return nil, &FetchError{Code: "MalformedResponse", StatusCode: resp.StatusCode}
		}
		if err := VerifyPack(c.cfg.Trust, []byte(meta.PackYAML), meta.Envelope); err != nil {
			return nil, err
		}
		return &FetchResult{
			ETag:      resp.Header.Get("ETag"),
			PackBytes: []byte(meta.PackYAML),
			Envelope:  meta.Envelope,
		}, nil
	case http.StatusUnauthorized:
		return nil, &FetchError{Code: CodeUnauthorized, StatusCode: resp.StatusCode}
	case http.StatusNotFound:
		return nil, &FetchError{Code: CodeNotFound, StatusCode: resp.StatusCode}
	case http.StatusGone:
		var body struct {
			Reason      string `json:"reason"`
			SafeVersion string `json:"safe_version"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		reason := body.Reason
		if reason == "" {
			reason = resp.Header.Get("X-Revocation-Reason")
		}
		return nil, &FetchError{Code: CodeRevoked, StatusCode: resp.StatusCode, Reason: reason, SafeVersion: body.SafeVersion}
	case http.StatusTooManyRequests:
		return nil, &FetchError{Code: CodeRateLimited, StatusCode: resp.StatusCode, SafeVersion: resp.Header.Get("Retry-After")}
	default:
		if resp.StatusCode >= 500 {
			return nil, &FetchError{Code: CodeServerError, StatusCode: resp.StatusCode}
		}
		return nil, &FetchError{Code: CodeTransport, StatusCode: resp.StatusCode}
	}
}

// retryDelay computes the next backoff delay, honoring a Retry-After header
// (carried in FetchError.SafeVersion for 429 responses) with ±10% jitter, or
// falling back to exponential backoff with full jitter capped at maxDelay.
func retryDelay(lastErr error, attempt int, base, maxDelay time.Duration) (time.Duration, bool) {
	if fe, ok := lastErr.(*FetchError); ok && fe.Code == CodeRateLimited && fe.SafeVersion != "" {
		if secs, err := strconv.Atoi(fe.SafeVersion); err == nil {
			d := time.Duration(secs) * time.Second
			jitter := 1 + (rand.Float64()*0.2 - 0.1) // ±10%
			return time.Duration(float64(d) * jitter), true
		}
	}

	exp := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if exp > maxDelay {
		exp = maxDelay
	}
	return time.Duration(rand.Float64() * float64(exp)), true
}
