package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aegis/pkg/breaker"
	"aegis/pkg/ledger"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/sanitize"
	"aegis/pkg/store"
	"aegis/pkg/stream"

	"golang.org/x/sync/singleflight"
)

// Config fixes the client's resilience parameters. The zero value is
// completed with defaults on first use.
type Config struct {
	BaseURL        string
	AuthToken      string
	Dependency     string
	CallTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	CacheTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Dependency == "" {
		c.Dependency = "risk-platform"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	return c
}

// Client performs outbound calls to the risk platform with circuit breaking,
// bounded retries, response caching, and error sanitization. It is the only
// writer to the call ledger: every call path, including cache hits and
// circuit-open short-circuits, terminates in exactly one ledger record.
type Client struct {
	Config  Config
	HTTP    *http.Client
	Breaker *breaker.Breaker
	Cache   store.Cache
	Ledger  ledger.Ledger
	Scrub   *sanitize.Scrubber
	Metrics *metrics.Registry
	Events  *stream.Hub

	group singleflight.Group
	sleep func(time.Duration)
}

// Result carries an upstream value together with its ledger provenance, so
// callers can cite the call that produced it. Stale marks values served from
// cache rather than a fresh upstream response.
type Result struct {
	Value          json.RawMessage
	Stale          bool
	CallID         string
	Endpoint       string
	ArgsDigest     string
	ResponseDigest string
}

type cacheEntry struct {
	Value          json.RawMessage `json:"value"`
	ResponseDigest string          `json:"response_digest"`
	StoredAt       time.Time       `json:"stored_at"`
}

// Get performs an idempotent read. Reads are retried with exponential
// backoff and jitter, served from cache when upstream cannot answer, and
// coalesced so identical concurrent misses share one upstream call.
func (c *Client) Get(ctx context.Context, endpoint string, args map[string]string) (Result, error) {
	fp := c.fingerprint(endpoint, args)
	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		return c.lookup(ctx, endpoint, args, fp)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Execute performs a mutating call. Mutations are never auto-retried and
// never cached; a duplicate side effect is worse than a surfaced failure.
func (c *Client) Execute(ctx context.Context, endpoint string, body interface{}) (Result, error) {
	cfg := c.Config.withDefaults()
	if !c.Breaker.Allow() {
		if _, err := c.record(ctx, endpoint, body, nil, models.CallCircuitOpen); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ErrCircuitOpen)
	}
	raw, callErr := c.attempt(ctx, cfg, http.MethodPost, endpoint, nil, body)
	if callErr != nil {
		if _, err := c.record(ctx, endpoint, body, c.Scrub.ScrubError(callErr), models.CallFailed); err != nil {
			return Result{}, err
		}
		return Result{}, callErr
	}
	rec, err := c.record(ctx, endpoint, body, raw, models.CallSuccess)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Value:          raw,
		CallID:         rec.ID,
		Endpoint:       endpoint,
		ArgsDigest:     rec.ArgsDigest,
		ResponseDigest: rec.ResponseDigest,
	}, nil
}

func (c *Client) lookup(ctx context.Context, endpoint string, args map[string]string, fp string) (Result, error) {
	cfg := c.Config.withDefaults()

	if res, ok, err := c.fromCache(ctx, endpoint, args, fp); err != nil || ok {
		return res, err
	}

	if !c.Breaker.Allow() {
		if _, err := c.record(ctx, endpoint, args, nil, models.CallCircuitOpen); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ErrCircuitOpen)
	}

	var callErr error
	for attemptN := 0; attemptN <= cfg.MaxRetries; attemptN++ {
		if attemptN > 0 {
			// Re-consult the breaker before every retry: a failed half-open
			// trial or a mid-sequence threshold crossing reopens it, and an
			// open breaker admits no further attempts.
			if !c.Breaker.Allow() {
				break
			}
			c.backoff(cfg, attemptN)
		}
		var raw json.RawMessage
		raw, callErr = c.attempt(ctx, cfg, http.MethodGet, endpoint, args, nil)
		if callErr == nil {
			c.storeCache(ctx, fp, raw)
			rec, err := c.record(ctx, endpoint, args, raw, models.CallSuccess)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Value:          raw,
				CallID:         rec.ID,
				Endpoint:       endpoint,
				ArgsDigest:     rec.ArgsDigest,
				ResponseDigest: rec.ResponseDigest,
			}, nil
		}
		var ue *UpstreamError
		if errors.As(callErr, &ue) && ue.Status >= 400 && ue.Status < 500 {
			// Upstream answered; retrying the same request cannot help.
			break
		}
	}

	// Degrade to cache before surfacing: a concurrent request may have
	// refreshed the entry while we were retrying.
	if res, ok, err := c.fromCache(ctx, endpoint, args, fp); err != nil || ok {
		return res, err
	}
	if _, err := c.record(ctx, endpoint, args, c.Scrub.ScrubError(callErr), models.CallFailed); err != nil {
		return Result{}, err
	}
	return Result{}, callErr
}

// attempt performs one network call. The call runs on a context detached
// from the caller so an abandoned request still completes and gets recorded;
// only the per-call deadline bounds it.
func (c *Client) attempt(ctx context.Context, cfg Config, method, endpoint string, args map[string]string, body interface{}) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallTimeout)
	defer cancel()

	u, err := c.buildURL(cfg, endpoint, args)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Message: c.Scrub.ScrubError(err)}
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &UpstreamError{Endpoint: endpoint, Message: c.Scrub.ScrubError(err)}
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(callCtx, method, u, reader)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Message: c.Scrub.ScrubError(err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	start := time.Now()
	resp, err := c.httpClient(cfg).Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(endpoint, true, elapsed)
		c.Breaker.ReportFailure()
		return nil, &UpstreamError{
			Endpoint: endpoint,
			Timeout:  isTimeout(err),
			Message:  c.Scrub.ScrubError(err),
		}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		c.observe(endpoint, true, elapsed)
		c.Breaker.ReportFailure()
		return nil, &UpstreamError{Endpoint: endpoint, Message: c.Scrub.ScrubError(readErr)}
	}
	if resp.StatusCode >= 500 {
		c.observe(endpoint, true, elapsed)
		c.Breaker.ReportFailure()
		return nil, &UpstreamError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  c.Scrub.Scrub(truncate(string(respBody), 256)),
		}
	}
	if resp.StatusCode >= 400 {
		// The dependency is alive, so this does not count against the
		// breaker.
		c.observe(endpoint, true, elapsed)
		c.Breaker.ReportSuccess()
		return nil, &UpstreamError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  c.Scrub.Scrub(truncate(string(respBody), 256)),
		}
	}
	c.observe(endpoint, false, elapsed)
	c.Breaker.ReportSuccess()
	return respBody, nil
}

func (c *Client) fromCache(ctx context.Context, endpoint string, args map[string]string, fp string) (Result, bool, error) {
	if c.Cache == nil {
		return Result{}, false, nil
	}
	rawEntry, err := c.Cache.Get(ctx, fp)
	if err != nil {
		return Result{}, false, nil
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(rawEntry), &entry); err != nil {
		return Result{}, false, nil
	}
	rec, err := c.record(ctx, endpoint, args, entry.Value, models.CallCached)
	if err != nil {
		return Result{}, false, err
	}
	return Result{
		Value:          entry.Value,
		Stale:          true,
		CallID:         rec.ID,
		Endpoint:       endpoint,
		ArgsDigest:     rec.ArgsDigest,
		ResponseDigest: rec.ResponseDigest,
	}, true, nil
}

func (c *Client) storeCache(ctx context.Context, fp string, raw json.RawMessage) {
	if c.Cache == nil {
		return
	}
	cfg := c.Config.withDefaults()
	entry := cacheEntry{
		Value:          raw,
		ResponseDigest: models.Digest(raw, nil),
		StoredAt:       time.Now().UTC(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Replace-whole-entry semantics: a failed refresh leaves the old entry
	// intact.
	_ = c.Cache.Set(context.WithoutCancel(ctx), fp, string(b), cfg.CacheTTL)
}

// record appends exactly one ledger entry for a call path. The append runs
// on a detached context: audit completeness outlives request cancellation.
func (c *Client) record(ctx context.Context, endpoint string, args, response interface{}, status models.CallStatus) (models.CallRecord, error) {
	rec, err := c.Ledger.Record(context.WithoutCancel(ctx), endpoint, args, response, status)
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("%w: %v", ErrLedgerWrite, c.Scrub.ScrubError(err))
	}
	if c.Metrics != nil {
		c.Metrics.IncCallStatus(string(status))
	}
	c.Events.Publish(stream.CallRecorded(stream.CallRecordedPayload{
		CallID:         rec.ID,
		Endpoint:       rec.Endpoint,
		Status:         string(rec.Status),
		ArgsDigest:     rec.ArgsDigest,
		ResponseDigest: rec.ResponseDigest,
	}))
	return rec, nil
}

func (c *Client) fingerprint(endpoint string, args map[string]string) string {
	vals := url.Values{}
	for k, v := range args {
		vals.Set(k, v)
	}
	// Encode sorts keys, so equivalent argument maps share a fingerprint.
	return "call:" + models.DigestString(endpoint+"?"+vals.Encode(), nil)
}

func (c *Client) buildURL(cfg Config, endpoint string, args map[string]string) (string, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		return "", err
	}
	u := base.ResolveReference(ref)
	if len(args) > 0 {
		vals := u.Query()
		for k, v := range args {
			vals.Set(k, v)
		}
		u.RawQuery = vals.Encode()
	}
	return u.String(), nil
}

func (c *Client) backoff(cfg Config, attempt int) {
	delay := cfg.RetryBaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(cfg.RetryBaseDelay)/2 + 1))
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(delay + jitter)
}

func (c *Client) httpClient(cfg Config) *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: cfg.CallTimeout}
}

func (c *Client) observe(endpoint string, failed bool, d time.Duration) {
	if c.Metrics != nil {
		c.Metrics.ObserveUpstream(endpoint, failed, d)
	}
}

// CircuitOpen exposes breaker state for readiness probes.
func (c *Client) CircuitOpen() bool {
	return c.Breaker.State() == breaker.StateOpen
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
