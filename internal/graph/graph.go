// Package graph queries the relationship-intelligence service for customer
// insights.
//
// The intelligence stage is strictly best-effort: the service analyzes
// similar-customer patterns out of band, and a missing or failing backend
// must never affect the response already generated.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Insights is what the intelligence service knows about a customer's
// situation, derived from similar customers and past escalations.
type Insights struct {
	SimilarCustomers     int      `json:"similar_customers"`
	SuccessfulStrategies []string `json:"successful_strategies"`
	EscalationRisk       float64  `json:"escalation_risk"`
	Summary              string   `json:"summary"`
}

// Intelligence is the analysis surface the pipeline's intelligence stage
// calls.
type Intelligence interface {
	Analyze(ctx context.Context, customerID *uuid.UUID, intent string) (Insights, error)
}

// Client queries a remote intelligence service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the intelligence service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Analyze fetches insights for a customer and intent.
func (c *Client) Analyze(ctx context.Context, customerID *uuid.UUID, intent string) (Insights, error) {
	q := url.Values{}
	if customerID != nil {
		q.Set("customer_id", customerID.String())
	}
	if intent != "" {
		q.Set("intent", intent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/insights?"+q.Encode(), nil)
	if err != nil {
		return Insights{}, fmt.Errorf("graph: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Insights{}, fmt.Errorf("graph: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Insights{}, fmt.Errorf("graph: unexpected status %d", resp.StatusCode)
	}

	var insights Insights
	if err := json.NewDecoder(resp.Body).Decode(&insights); err != nil {
		return Insights{}, fmt.Errorf("graph: decode response: %w", err)
	}
	return insights, nil
}

// Noop returns empty insights. Used when no intelligence service is
// configured.
type Noop struct{}

// Analyze returns zero-value insights.
func (Noop) Analyze(context.Context, *uuid.UUID, string) (Insights, error) {
	return Insights{}, nil
}
