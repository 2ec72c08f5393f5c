// Package httpclient is renderd's outbound HTTP transport, used by the
// speech synthesis provider. It wraps the standard http.Client with:
//   - a circuit breaker so a dead synthesis backend fails fast
//   - automatic retries with exponential backoff (request bodies are
//     rewound between attempts)
//   - transparent response decompression (gzip, deflate, brotli)
//   - structured logging with credential obfuscation
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/clipjoint/renderd/internal/version"
)

var (
	// ErrCircuitOpen is recorded when the breaker rejects an attempt.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrMaxRetries wraps the last attempt's error once the retry budget
	// is spent.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
)

// Header and encoding names used on the wire.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderContentType     = "Content-Type"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config tunes retry, circuit breaker, and decompression behavior.
type Config struct {
	// Timeout bounds each attempt end to end.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt, so
	// a request is tried at most RetryAttempts+1 times.
	RetryAttempts int

	// RetryDelay is the backoff before the first retry. Each further
	// retry multiplies it by BackoffMultiplier up to RetryMaxDelay.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold is the consecutive-failure count that opens the
	// breaker. CircuitTimeout is how long it stays open before probing,
	// and CircuitHalfOpenMax caps concurrent probes while half-open.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	// UserAgent is sent unless the request already carries one.
	UserAgent string

	// Logger receives per-attempt diagnostics. URLs are obfuscated
	// before logging.
	Logger *slog.Logger

	// EnableDecompression advertises Accept-Encoding and transparently
	// decodes compressed response bodies.
	EnableDecompression bool

	// BaseClient overrides the underlying http.Client when set.
	BaseClient *http.Client
}

// DefaultConfig returns the configuration used when callers have no
// special requirements.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           version.UserAgent(),
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is an http.Client wrapper that retries transient failures and
// trips a circuit breaker on persistent ones.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New builds a Client. A nil Logger falls back to slog.Default and a nil
// BaseClient to a plain http.Client with the configured timeout.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults is New(DefaultConfig()).
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Do executes the request under retry and circuit breaker control. The
// request's context bounds all attempts including backoff sleeps. Bodies
// must be rewindable (req.GetBody set, which http.NewRequest arranges for
// the common reader types); otherwise only the first attempt carries the
// body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.pause(ctx, req, attempt); err != nil {
				return nil, err
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit open, attempt skipped",
				"url", obfuscateURL(req.URL),
				"state", c.breaker.State().String(),
			)
			continue
		}

		resp, err := c.send(ctx, req, attempt)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// pause sleeps out the backoff before a retry and rewinds the body the
// previous attempt consumed.
func (c *Client) pause(ctx context.Context, req *http.Request, attempt int) error {
	delay := c.backoff(attempt)
	c.logger.Debug("retrying request",
		"attempt", attempt,
		"delay", delay,
		"url", obfuscateURL(req.URL),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("rewinding request body: %w", err)
		}
		req.Body = body
	}
	return nil
}

// backoff returns the delay before the given retry, growing geometrically
// from RetryDelay and capped at RetryMaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.RetryDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
		if delay >= c.config.RetryMaxDelay {
			return c.config.RetryMaxDelay
		}
	}
	if delay > c.config.RetryMaxDelay {
		delay = c.config.RetryMaxDelay
	}
	return delay
}

// send runs a single attempt and records its outcome with the breaker. A
// returned error means the attempt failed; the caller decides whether the
// retry budget allows another.
func (c *Client) send(ctx context.Context, req *http.Request, attempt int) (*http.Response, error) {
	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("request failed",
			"url", obfuscateURL(req.URL),
			"method", req.Method,
			"duration", elapsed,
			"attempt", attempt,
			"error", err,
		)
		return nil, err
	}

	if retryableStatus(resp.StatusCode) {
		c.breaker.RecordFailure()
		resp.Body.Close()
		c.logger.Warn("retryable status code",
			"url", obfuscateURL(req.URL),
			"method", req.Method,
			"status", resp.StatusCode,
			"duration", elapsed,
			"attempt", attempt,
		)
		return nil, fmt.Errorf("retryable status code: %d", resp.StatusCode)
	}

	c.breaker.RecordSuccess()
	c.logger.Debug("request completed",
		"url", obfuscateURL(req.URL),
		"method", req.Method,
		"status", resp.StatusCode,
		"duration", elapsed,
		"content_length", resp.ContentLength,
	)

	if c.config.EnableDecompression {
		resp.Body = c.decompressed(resp)
	}
	return resp, nil
}

// Get performs a GET request to the given URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// PostJSON performs a POST request with a JSON-encoded body. The body is
// buffered so retries resend it from the start.
func (c *Client) PostJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(HeaderContentType, "application/json")
	return c.Do(req)
}

// CircuitState exposes the breaker state for health reporting.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit force-closes the breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// decompressed wraps the response body with a decoder matching its
// Content-Encoding. Unknown encodings and decoder failures fall back to
// the raw body.
func (c *Client) decompressed(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get(HeaderContentEncoding))
	switch encoding {
	case "":
		return resp.Body
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("gzip reader failed, returning raw body", "error", err)
			return resp.Body
		}
		return &decompressedBody{r: reader, body: resp.Body}
	case EncodingDeflate:
		return &decompressedBody{r: flate.NewReader(resp.Body), body: resp.Body}
	case EncodingBrotli:
		return &decompressedBody{r: brotli.NewReader(resp.Body), body: resp.Body}
	default:
		c.logger.Debug("unknown content encoding, returning raw body", "encoding", encoding)
		return resp.Body
	}
}

// decompressedBody streams the decoded payload while retaining the network
// body so Close still releases the connection.
type decompressedBody struct {
	r    io.Reader
	body io.ReadCloser
}

func (d *decompressedBody) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

func (d *decompressedBody) Close() error {
	if closer, ok := d.r.(io.Closer); ok {
		closer.Close()
	}
	return d.body.Close()
}

// retryableStatus reports whether the status indicates a transient
// upstream condition worth another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		(code >= http.StatusBadGateway && code <= http.StatusGatewayTimeout)
}

// Query parameters whose values never belong in logs.
var sensitiveQueryParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization",
	"credential", "credentials",
}

// obfuscateURL masks credential-bearing query parameters so the URL is
// safe to log.
func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	redacted := *u
	query := redacted.Query()
	for _, name := range sensitiveQueryParams {
		if query.Has(name) {
			query.Set(name, "***")
		}
	}
	redacted.RawQuery = query.Encode()
	return redacted.String()
}
