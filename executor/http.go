package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const IDEMPOTENCY_HEADER string = "X-Idempotency-Key"

// HTTPAgentInvoker hands agent steps to a webhook. The endpoint receives
// the agent name and resolved parameters and replies with the step output.
type HTTPAgentInvoker struct {
	url    string
	client *http.Client
}

func NewHTTPAgentInvoker(url string) *HTTPAgentInvoker {
	return &HTTPAgentInvoker{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

var _ AgentInvoker = new(HTTPAgentInvoker)

func (c *HTTPAgentInvoker) Invoke(ctx context.Context, agent string, idempotencyKey string, params map[string]any) (map[string]any, error) {
	body := map[string]any{
		"agent":  agent,
		"params": params,
	}
	return postJSON(ctx, c.client, c.url, idempotencyKey, body)
}

// HTTPTaskService applies task mutations through a webhook.
type HTTPTaskService struct {
	url    string
	client *http.Client
}

func NewHTTPTaskService(url string) *HTTPTaskService {
	return &HTTPTaskService{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ TaskService = new(HTTPTaskService)

func (c *HTTPTaskService) Mutate(ctx context.Context, operation string, idempotencyKey string, params map[string]any) (map[string]any, error) {
	body := map[string]any{
		"operation": operation,
		"params":    params,
	}
	return postJSON(ctx, c.client, c.url, idempotencyKey, body)
}

// HTTPConnector calls one external system endpoint.
type HTTPConnector struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPConnector(name string, url string) *HTTPConnector {
	return &HTTPConnector{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Connector = new(HTTPConnector)

func (c *HTTPConnector) Name() string {
	return c.name
}

func (c *HTTPConnector) Invoke(ctx context.Context, idempotencyKey string, params map[string]any) (map[string]any, error) {
	return postJSON(ctx, c.client, c.url, idempotencyKey, params)
}

// StaticConnectorRegistry is a fixed name to connector mapping built at
// startup.
type StaticConnectorRegistry struct {
	connectors map[string]Connector
}

func NewStaticConnectorRegistry(connectors ...Connector) *StaticConnectorRegistry {
	r := &StaticConnectorRegistry{
		connectors: make(map[string]Connector),
	}
	for _, c := range connectors {
		r.connectors[c.Name()] = c
	}
	return r
}

var _ ConnectorRegistry = new(StaticConnectorRegistry)

func (r *StaticConnectorRegistry) Register(c Connector) {
	r.connectors[c.Name()] = c
}

func (r *StaticConnectorRegistry) Get(name string) (Connector, error) {
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("connector %s not configured", name)
	}
	return c, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, idempotencyKey string, body map[string]any) (map[string]any, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IDEMPOTENCY_HEADER, idempotencyKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ExecutorError{
			Code:      ERROR_CODE_INVOCATION,
			Message:   fmt.Sprintf("endpoint %s replied with status %d", url, resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}
	}
	var output map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return output, nil
}
