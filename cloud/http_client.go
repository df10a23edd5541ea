package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for cloud fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps response bodies and inflated payloads at 512 MB.
	maxResponseBytes = 512 << 20
)

// FetchOption configures FetchCloud behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// StatusError is a non-200 answer from a cloud source
type StatusError struct {
	URL        string
	StatusCode int
	// RetryAfter is the server's Retry-After hint, zero when absent
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.URL, e.StatusCode)
}

// Temporary reports whether a later attempt may succeed: 5xx, 408 and 429.
// Other 4xx answers mean the URL or request is wrong and are not retried.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// errPayloadTooLarge is returned for bodies over maxResponseBytes
var errPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", maxResponseBytes)

// maxRetryAfter caps how long a Retry-After hint can stall a fetch
const maxRetryAfter = time.Minute

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, errPayloadTooLarge) && !errors.Is(err, context.Canceled)
}

// parseRetryAfter reads the delay-seconds form of Retry-After
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// FetchCloud downloads a point cloud from url and decodes it with Decode.
// Network errors, 5xx, 408 and 429 answers are retried with exponential
// backoff, honoring Retry-After. Other statuses, oversized bodies and
// undecodable payloads fail at once.
func FetchCloud(url string, opts ...FetchOption) (*Cloud, error) {
	return FetchCloudWithContext(context.Background(), url, opts...)
}

// FetchCloudWithContext is like FetchCloud but accepts a context for cancellation.
func FetchCloudWithContext(ctx context.Context, url string, opts ...FetchOption) (*Cloud, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch cloud: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			wait := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > wait {
				wait = se.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cloud: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		body, err := doFetch(ctx, client, url)
		if err != nil {
			if !retryable(err) {
				return nil, fmt.Errorf("fetch cloud: %w", err)
			}
			lastErr = err
			log().Debugf("[HTTP] fetch %s attempt %d failed: %v", url, attempt+1, err)
			continue
		}

		c, err := Decode(body)
		if err != nil {
			return nil, fmt.Errorf("fetch cloud: %w", err)
		}
		log().Debugf("[HTTP] fetched %d points (%d bytes) from %s", c.Len(), len(body), url)
		return c, nil
	}

	return nil, fmt.Errorf("fetch cloud: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/x-pcd, application/x-ply, application/vnd.las, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.ContentLength > maxResponseBytes {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, errPayloadTooLarge)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, errPayloadTooLarge)
	}
	return body, nil
}
