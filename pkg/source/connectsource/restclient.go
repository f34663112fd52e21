package connectsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ConnectorStatus is the subset of a Kafka-Connect connector status
// response this source cares about.
type ConnectorStatus struct {
	Name      string `json:"name"`
	Connector struct {
		State string `json:"state"`
	} `json:"connector"`
}

// RESTClient is a thin wrapper over a Kafka-Connect REST control plane.
// Stdlib net/http is the right tool here: this is a handful of small typed
// JSON calls, not a concern any third-party library owns. Every call goes
// through a gobreaker.CircuitBreaker so a wedged Connect cluster fails fast
// instead of every control-plane caller independently discovering the same
// outage.
type RESTClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds a client against baseURL (e.g.
// "http://connect:8083").
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "connectsource-control-plane",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Ping verifies the Connect cluster's root endpoint responds.
func (c *RESTClient) Ping(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
		if err != nil {
			return nil, fmt.Errorf("connectsource: build ping request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectsource: ping: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("connectsource: ping: unexpected status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// UpsertConnector idempotently creates or updates a named connector's
// config via PUT /connectors/{name}/config.
func (c *RESTClient) UpsertConnector(ctx context.Context, name string, config map[string]string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("connectsource: marshal connector config: %w", err)
		}

		url := fmt.Sprintf("%s/connectors/%s/config", c.baseURL, name)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("connectsource: build upsert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectsource: upsert connector %s: %w", name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("connectsource: upsert connector %s: unexpected status %d", name, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// Status fetches the connector's current state via GET
// /connectors/{name}/status.
func (c *RESTClient) Status(ctx context.Context, name string) (ConnectorStatus, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		url := fmt.Sprintf("%s/connectors/%s/status", c.baseURL, name)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("connectsource: build status request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectsource: status of %s: %w", name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("connectsource: status of %s: unexpected status %d", name, resp.StatusCode)
		}

		var status ConnectorStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("connectsource: decode status of %s: %w", name, err)
		}
		return status, nil
	})
	if err != nil {
		return ConnectorStatus{}, err
	}
	return result.(ConnectorStatus), nil
}

// WaitRunning polls Status until the connector reports RUNNING or timeout
// elapses, bounding how long a caller waits for the connector to come up.
func (c *RESTClient) WaitRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, name)
		if err == nil && status.Connector.State == "RUNNING" {
			return nil
		}

		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("connectsource: connector %s not RUNNING within %s: %w", name, timeout, err)
			}
			return fmt.Errorf("connectsource: connector %s did not reach RUNNING within %s (last state %q)", name, timeout, status.Connector.State)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
