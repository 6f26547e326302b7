// Package vitracka provides the Go client for the Vitracka agent service.
//
// The package implements the resilient dispatch layer between a client
// application and the remote agents: a duplex WebSocket channel with
// request correlation, a secondary HTTP transport, a durable offline queue
// for writes, and a TTL cache for reads.
//
// Example:
//
//	client := vitracka.NewClient(vitracka.StaticToken(token))
//	rt := client.Realtime(nil)
//	store, _ := vitracka.NewFileStore(dir)
//	d := vitracka.NewDispatcher(client, rt, store, nil)
//
//	res, _ := d.Dispatch(ctx, vitracka.OpCreate, "/agents/coaching",
//	    &vitracka.CoachRequest{Message: "logged my weight today"})
package vitracka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://api.vitracka.com"
	DefaultTimeout = 30 * time.Second
)

// Named agent endpoints on the secondary transport. The same paths are used
// whether a request is sent directly or replayed from the offline queue.
const (
	EndpointCoaching       = "/agents/coaching"
	EndpointWeightAnalysis = "/agents/weight-analysis"
)

// ============================================================================
// Client
// ============================================================================

// Client is the secondary request/response transport to the agent service.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	log        logrus.FieldLogger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Vitracka client. The token provider is consulted on
// every request so token rotation needs no client rebuild.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("service returned HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Agent endpoints
// ============================================================================

// Invoke calls an agent endpoint on the secondary transport.
func (c *Client) Invoke(ctx context.Context, method, endpoint string, payload any) (*AgentResult, error) {
	data, err := c.doRequest(ctx, method, endpoint, payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AgentResult](data)
}

// Coach sends a coaching request and decodes the typed response.
func (c *Client) Coach(ctx context.Context, req *CoachRequest) (*CoachResponse, error) {
	result, err := c.Invoke(ctx, http.MethodPost, EndpointCoaching, req)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("coaching request failed")
	}
	var resp CoachResponse
	if err := result.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnalyzeWeight requests a weight-trend analysis and decodes the typed response.
func (c *Client) AnalyzeWeight(ctx context.Context, req *WeightAnalysisRequest) (*WeightAnalysisResponse, error) {
	result, err := c.Invoke(ctx, http.MethodPost, EndpointWeightAnalysis, req)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("weight analysis failed")
	}
	var resp WeightAnalysisResponse
	if err := result.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks agent service health.
func (c *Client) Health(ctx context.Context) (*AgentResult, error) {
	return c.Invoke(ctx, http.MethodGet, "/health", nil)
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSURL returns the duplex-channel URL for the given token and session id.
func (c *Client) WSURL(token, sessionID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws?token=" + url.QueryEscape(token) + "&session=" + url.QueryEscape(sessionID)
}

// Realtime creates the duplex-channel client. Call Connect to establish the
// connection. There is one logical realtime connection per client lifetime:
// the session id is generated here and reused across reconnects.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return newRealtimeClient(c, &cfg)
}
