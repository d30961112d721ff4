package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/lox/riverwatch/internal/httputil"
	"github.com/lox/riverwatch/internal/metrics"
)

const maxBodyBytes = 32 << 20

// ErrBodyTooLarge is wrapped in the NetworkError returned for a response body
// over the size limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Getter performs GET requests against one source. Consecutive failures trip
// a circuit breaker so a dead upstream fails fast instead of holding every
// coalesced caller for the full fetch timeout.
type Getter struct {
	source  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	header  http.Header
	maxBody int64
}

func NewGetter(source string, client *http.Client) *Getter {
	if client == nil {
		client = httputil.NewClient()
	}
	return &Getter{
		source: source,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    source,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsNotFound(err)
			},
		}),
		header: http.Header{
			"User-Agent": {httputil.UserAgent},
			"Accept":     {"application/json"},
		},
		maxBody: maxBodyBytes,
	}
}

// SetHeader adds a header sent with every request.
func (g *Getter) SetHeader(key, value string) {
	g.header.Set(key, value)
}

func (g *Getter) Source() string { return g.source }

// Get fetches url and returns the body of a 2xx response. Locator names the
// thing being fetched in NotFoundError.
func (g *Getter) Get(ctx context.Context, locator, url string) ([]byte, error) {
	body, err := g.breaker.Execute(func() (interface{}, error) {
		return g.do(ctx, locator, url)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.SourceRequestsTotal.WithLabelValues(g.source, "breaker_open").Inc()
		return nil, &NetworkError{Source: g.source, URL: url, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (g *Getter) do(ctx context.Context, locator, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Source: g.source, URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range g.header {
		req.Header[k] = v
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := g.client.Do(req)
	metrics.SourceLatency.WithLabelValues(g.source).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(g.source, "error").Inc()
		return nil, &NetworkError{Source: g.source, URL: url, Err: err}
	}
	defer resp.Body.Close()
	metrics.SourceRequestsTotal.WithLabelValues(g.source, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		return nil, &NetworkError{Source: g.source, URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > g.maxBody {
		return nil, &NetworkError{Source: g.source, URL: url, Status: resp.StatusCode, Err: fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, g.maxBody)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Source: g.source, Locator: locator}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &NetworkError{Source: g.source, URL: url, Status: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", snippet(body))}
	}
	return body, nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
