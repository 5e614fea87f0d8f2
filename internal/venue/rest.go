package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// restTimeout bounds every snapshot-priming call. A timeout is a priming
// failure for that symbol only, never fatal to the client.
const restTimeout = 5 * time.Second

// RESTClient is the shared HTTP helper venue clients prime snapshots
// through. Calls are rate limited to the venue's published budget and go
// through a circuit breaker so a venue with a broken REST API does not get
// hammered during reconnect cycles.
type RESTClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds a REST helper for one venue. ratePerMin <= 0
// disables client-side rate limiting.
func NewRESTClient(id ID, baseURL string, ratePerMin int) *RESTClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin/6+1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(id) + "-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RESTClient{
		base:    baseURL,
		http:    &http.Client{Timeout: restTimeout},
		limiter: limiter,
		breaker: breaker,
	}
}

// GetJSON fetches base+path and decodes the JSON body into out.
func (c *RESTClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON posts a JSON body (may be nil) to base+path and decodes the
// response into out.
func (c *RESTClient) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, restTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
		}
		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil, nil
	})
	return err
}
