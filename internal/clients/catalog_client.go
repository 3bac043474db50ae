// Package clients holds thin HTTP clients for cross-service calls.
// Each client fronts its upstream with a circuit breaker so a dead
// peer fails fast instead of tying up request handlers.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"librarium/internal/catalog"
)

var ErrUpstreamUnavailable = errors.New("upstream service unavailable")

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

type CatalogClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
		breaker: newBreaker("catalog"),
	}
}

func (c *CatalogClient) GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/titles/%s", c.baseURL, id), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return nil, catalog.ErrTitleNotFound
		default:
			return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
		}

		var t catalog.Title
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrUpstreamUnavailable
		}
		return nil, err
	}
	return out.(*catalog.Title), nil
}
