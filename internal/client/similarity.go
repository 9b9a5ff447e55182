package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/music-popularity-service/internal/circuitbreaker"
	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
)

// SimilarityClient finds tracks similar to a given track. The ranking logic
// lives in an external recommendations service; this client only fetches and
// shapes the result.
type SimilarityClient interface {
	GetSimilarTracks(ctx context.Context, trackID uint, limit int) ([]models.TrackRef, error)
}

var (
	ErrTrackNotKnown   = errors.New("track not known to similarity service")
	ErrUpstreamFailure = errors.New("similarity upstream failure")
	ErrRateLimited     = errors.New("similarity rate limited")
)

// HTTPSimilarityClient calls the similarity API over HTTP with bounded
// retries, exponential backoff with jitter, and an optional circuit breaker.
type HTTPSimilarityClient struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewHTTPSimilarityClient creates a client for the similarity API at baseURL.
func NewHTTPSimilarityClient(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*HTTPSimilarityClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("similarity API URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("similarity API URL: %w", err)
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &HTTPSimilarityClient{
		baseURL:        baseURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker attaches a circuit breaker around upstream calls.
func (c *HTTPSimilarityClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// similarTracksResponse mirrors the similarity API payload.
type similarTracksResponse struct {
	Tracks []struct {
		ID         uint   `json:"id"`
		Name       string `json:"name"`
		ArtistName string `json:"artistName"`
		PlaysCount int64  `json:"playsCount"`
	} `json:"tracks"`
}

// GetSimilarTracks fetches up to limit tracks similar to trackID, retrying
// transient failures with exponential backoff. Not-found and other
// non-retryable outcomes return immediately.
func (c *HTTPSimilarityClient) GetSimilarTracks(ctx context.Context, trackID uint, limit int) ([]models.TrackRef, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.SimilarityAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var result []models.TrackRef
		call := func() error {
			var err error
			result, err = c.callAPI(ctx, trackID, limit)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call()
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *HTTPSimilarityClient) callAPI(ctx context.Context, trackID uint, limit int) ([]models.TrackRef, error) {
	start := time.Now()

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.buildRequest(reqCtx, trackID, limit)
	if err != nil {
		observability.SimilarityAPICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.SimilarityAPICallsTotal.WithLabelValues("error").Inc()
		observability.SimilarityAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.SimilarityAPICallsTotal.WithLabelValues(status).Inc()
	observability.SimilarityAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var apiResp similarTracksResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	refs := make([]models.TrackRef, 0, len(apiResp.Tracks))
	for _, t := range apiResp.Tracks {
		refs = append(refs, models.TrackRef{
			ID:         t.ID,
			Name:       t.Name,
			ArtistName: t.ArtistName,
			PlaysCount: t.PlaysCount,
		})
	}
	return refs, nil
}

func (c *HTTPSimilarityClient) buildRequest(ctx context.Context, trackID uint, limit int) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, "tracks", strconv.FormatUint(uint64(trackID), 10), "similar")
	if err != nil {
		return nil, fmt.Errorf("join path: %w", err)
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *HTTPSimilarityClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrTrackNotKnown)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func (c *HTTPSimilarityClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// An open breaker stays open for the whole cooldown; retrying inside a
	// single request would just burn the deadline.
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}
	return false
}

func (c *HTTPSimilarityClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
