package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

// HTTPClient — эталонная HTTP/JSON-привязка Agent Client.
// Конверт отправляется POST-ом на {url}/message, здоровье — GET {url}/health.
type HTTPClient struct {
	registry *Registry
	http     *http.Client
	logger   *zap.Logger
}

func NewHTTPClient(registry *Registry, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		registry: registry,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.Named("agent-client"),
	}
}

func (c *HTTPClient) Call(ctx context.Context, agentID string, env domain.MessageEnvelope) (map[string]interface{}, error) {
	info, ok := c.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.URL+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", env.Meta.TraceID)

	resp, err := c.http.Do(req)
	if err != nil {
		c.registry.UpdateStatus(agentID, StatusError)
		return nil, fmt.Errorf("agent %s call failed: %w", agentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", agentID, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.registry.UpdateStatus(agentID, StatusUnhealthy)
		return nil, fmt.Errorf("agent %s returned HTTP %d: %s", agentID, resp.StatusCode, string(raw))
	}

	c.registry.UpdateStatus(agentID, StatusHealthy)

	var result map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("agent %s: malformed response: %w", agentID, err)
		}
	}
	return result, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context, agentID string) (string, error) {
	info, ok := c.registry.Get(agentID)
	if !ok {
		return "unknown", fmt.Errorf("unknown agent: %s", agentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL+"/health", nil)
	if err != nil {
		return StatusError, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.registry.UpdateStatus(agentID, StatusTimeout)
		return StatusTimeout, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.registry.UpdateStatus(agentID, StatusUnhealthy)
		return StatusUnhealthy, nil
	}
	c.registry.UpdateStatus(agentID, StatusHealthy)
	return StatusHealthy, nil
}

// HealthResult — статус одного агента в сводке.
type HealthResult struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// CheckAll опрашивает всех агентов параллельно и собирает сводку.
func (c *HTTPClient) CheckAll(ctx context.Context) []HealthResult {
	list := c.registry.List()
	results := make([]HealthResult, len(list))

	var wg sync.WaitGroup
	for i, info := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := c.HealthCheck(ctx, info.AgentID)
			res := HealthResult{AgentID: info.AgentID, Status: status}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}
