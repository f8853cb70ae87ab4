package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/crmflow-go/pkg/logger"
)

type Config struct {
	BaseURL       string
	APIKey        string
	LocationID    string
	Timeout       time.Duration
	RatePerSecond float64
	RateBurst     int
}

// HTTPClient talks to the CRM REST API. All calls go through a client-side
// rate limiter and a circuit breaker, so one degraded upstream endpoint
// cannot stall every workflow run behind full timeouts.
type HTTPClient struct {
	config  Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  logger.Logger
}

func NewHTTPClient(cfg Config, log logger.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "crm-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("CRM circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &HTTPClient{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:  log,
	}
}

func (c *HTTPClient) SendSMS(ctx context.Context, contactID, message string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, "/conversations/messages", map[string]interface{}{
		"type":      "SMS",
		"contactId": contactID,
		"message":   message,
	})
}

func (c *HTTPClient) SendEmail(ctx context.Context, contactID, subject, body string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, "/conversations/messages", map[string]interface{}{
		"type":      "Email",
		"contactId": contactID,
		"subject":   subject,
		"html":      body,
	})
}

func (c *HTTPClient) AddTag(ctx context.Context, contactID, tag string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/contacts/%s/tags", contactID), map[string]interface{}{
		"tags": []string{tag},
	})
}

func (c *HTTPClient) RemoveTag(ctx context.Context, contactID, tag string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/contacts/%s/tags", contactID), map[string]interface{}{
		"tags": []string{tag},
	})
}

func (c *HTTPClient) UpdateCustomField(ctx context.Context, contactID, fieldKey string, value interface{}) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/contacts/%s", contactID), map[string]interface{}{
		"customFields": map[string]interface{}{fieldKey: value},
	})
}

func (c *HTTPClient) CreateTask(ctx context.Context, contactID string, task Task) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/contacts/%s/tasks", contactID), task)
}

func (c *HTTPClient) MoveOpportunityStage(ctx context.Context, opportunityID, stageID string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/opportunities/%s", opportunityID), map[string]interface{}{
		"stageId": stageID,
	})
}

func (c *HTTPClient) AddToWorkflow(ctx context.Context, contactID, workflowID string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/contacts/%s/workflow/%s", contactID, workflowID), nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		url := strings.TrimRight(c.config.BaseURL, "/") + path
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("Content-Type", "application/json")
		if c.config.LocationID != "" {
			req.Header.Set("X-Location-Id", c.config.LocationID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("crm api %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
		}

		parsed := make(map[string]interface{})
		if len(data) > 0 {
			if err := json.Unmarshal(data, &parsed); err != nil {
				parsed = map[string]interface{}{"raw": string(data)}
			}
		}
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(map[string]interface{}), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
