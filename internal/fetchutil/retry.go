package fetchutil

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for remote fetches.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	RetryStatuses []int
}

// DefaultRetryConfig returns sensible retry defaults for the structure
// and pseudopotential sources.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      15 * time.Second,
		BackoffFactor: 2.0,
		RetryStatuses: []int{429, 500, 502, 503, 504},
	}
}

// Client wraps http.Client with retry and exponential backoff.
type Client struct {
	client *http.Client
	config RetryConfig
}

// NewClient creates a retrying HTTP client with a per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{Timeout: timeout},
		config: DefaultRetryConfig(),
	}
}

// Do executes the request, retrying transport errors and retryable
// status codes with backoff.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, err := c.client.Do(req.Clone(req.Context()))
		if err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries {
				delay := c.delay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Str("url", req.URL.String()).
					Dur("delay", delay).
					Msg("request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}
		if c.retryable(resp.StatusCode) && attempt < c.config.MaxRetries {
			resp.Body.Close()
			delay := c.delay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Str("url", req.URL.String()).
				Dur("delay", delay).
				Msg("retryable status, retrying")
			time.Sleep(delay)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) retryable(status int) bool {
	for _, s := range c.config.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (c *Client) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.config.InitialDelay) * math.Pow(c.config.BackoffFactor, float64(attempt)))
	if d > c.config.MaxDelay {
		d = c.config.MaxDelay
	}
	// jitter up to 25% to spread concurrent invocations
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
