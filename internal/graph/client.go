package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ontopilot/ontopilot/internal/models"
)

// Instance describes one provisioned graph database instance.
type Instance struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Client is the outbound contract with the graph database's admin plane.
// Provisioning, cloning, schema application, and replay execution all go
// through it; every method is a suspension point.
type Client interface {
	Provision(ctx context.Context, name string) (Instance, error)
	Teardown(ctx context.Context, name string) error
	Ready(ctx context.Context, addr string) error
	CloneSample(ctx context.Context, addr, tenantID string, sampleSize int) error
	ApplySchema(ctx context.Context, addr string, statements []string) error
	RevertSchema(ctx context.Context, addr string, statements []string) error
	Execute(ctx context.Context, addr, statement string, params []byte) error
	Health(ctx context.Context, addr string) (models.HealthSample, error)
}

type AdminClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// AdminClient talks JSON over HTTP to the graph admin service. Transient
// failures (network errors, 5xx) are retried with a linear backoff; 4xx
// responses are surfaced immediately.
type AdminClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewAdminClient(cfg AdminClientConfig) (*AdminClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("graph admin base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &AdminClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *AdminClient) Provision(ctx context.Context, name string) (Instance, error) {
	var inst Instance
	err := c.post(ctx, "/instances", map[string]interface{}{"name": name}, &inst)
	if err != nil {
		return Instance{}, fmt.Errorf("provision %s: %w", name, err)
	}
	if inst.Address == "" {
		return Instance{}, fmt.Errorf("provision %s: admin returned empty address", name)
	}
	return inst, nil
}

func (c *AdminClient) Teardown(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/instances/"+url.PathEscape(name), nil)
	if err != nil {
		return fmt.Errorf("teardown build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("teardown %s: %w", name, err)
	}
	defer resp.Body.Close()
	// 404 means the instance is already gone, which is what we wanted.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("teardown %s: admin returned %s", name, resp.Status)
	}
	return nil
}

func (c *AdminClient) Ready(ctx context.Context, addr string) error {
	return c.post(ctx, "/ready", map[string]interface{}{"address": addr}, nil)
}

func (c *AdminClient) CloneSample(ctx context.Context, addr, tenantID string, sampleSize int) error {
	return c.post(ctx, "/clone", map[string]interface{}{
		"address":    addr,
		"tenantId":   tenantID,
		"sampleSize": sampleSize,
	}, nil)
}

func (c *AdminClient) ApplySchema(ctx context.Context, addr string, statements []string) error {
	return c.post(ctx, "/schema/apply", map[string]interface{}{
		"address":    addr,
		"statements": statements,
	}, nil)
}

func (c *AdminClient) RevertSchema(ctx context.Context, addr string, statements []string) error {
	return c.post(ctx, "/schema/revert", map[string]interface{}{
		"address":    addr,
		"statements": statements,
	}, nil)
}

func (c *AdminClient) Execute(ctx context.Context, addr, statement string, params []byte) error {
	payload := map[string]interface{}{
		"address":   addr,
		"statement": statement,
	}
	if len(params) > 0 {
		payload["params"] = json.RawMessage(params)
	}
	return c.post(ctx, "/execute", payload, nil)
}

func (c *AdminClient) Health(ctx context.Context, addr string) (models.HealthSample, error) {
	var sample models.HealthSample
	if err := c.post(ctx, "/health", map[string]interface{}{"address": addr}, &sample); err != nil {
		return models.HealthSample{}, err
	}
	if sample.Ts.IsZero() {
		sample.Ts = time.Now().UTC()
	}
	return sample, nil
}

// post sends one JSON request with retries and decodes the response into out
// when out is non-nil.
func (c *AdminClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("graph build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decodeErr := decodeResponse(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
			if !retryable(resp.StatusCode) {
				return fmt.Errorf("graph %s: %w", path, lastErr)
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("graph %s: %w", path, lastErr)
}

func retryable(status int) bool {
	return status == 0 || status >= 500
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("graph admin unavailable: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("graph admin rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph decode response: %w", err)
	}
	return nil
}
