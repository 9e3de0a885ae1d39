// Package profileapi fetches patient demographics from the upstream clinical
// profile service. Only the weight is consumed here, for weight-normalized
// infusion rates.
package profileapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medtrack/stockledger/pkg/circuitbreaker"
)

// Config holds the upstream profile service settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements usage.WeightProvider over HTTP, guarded by a circuit
// breaker. When the circuit is open the weight degrades to zero (unknown),
// which the aggregator treats as "count zero and warn" rather than failing
// the recalculation.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a profile service client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("profile-api"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

type profileResponse struct {
	RecordID string  `json:"record_id"`
	WeightKg float64 `json:"weight_kg"`
}

// Weight returns the patient weight in kilograms for the record, or zero when
// the profile is missing, has no weight, or the upstream is unavailable.
func (c *Client) Weight(ctx context.Context, recordID string) (float64, error) {
	result, err := c.breaker.ExecuteWithFallback(ctx,
		func() (interface{}, error) {
			return c.fetchWeight(ctx, recordID)
		},
		func(err error) (interface{}, error) {
			c.logger.Warn("profile service circuit open, weight unknown",
				zap.String("record_id", recordID),
				zap.Error(err))
			return float64(0), nil
		})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

func (c *Client) fetchWeight(ctx context.Context, recordID string) (float64, error) {
	url := fmt.Sprintf("%s/api/v1/records/%s/profile", c.cfg.BaseURL, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// No profile is a data gap, not an upstream failure.
		return 0, nil
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("profile service returned %d", resp.StatusCode)
	}

	var body profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode profile: %w", err)
	}
	return body.WeightKg, nil
}
