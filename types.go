package vitracka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format for all duplex-channel messages, in both
// directions. MessageID is unique per envelope within a connection lifetime.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// Recognized envelope types.
const (
	EnvelopeHeartbeat       = "heartbeat"
	EnvelopeAgentRequest    = "agent_request"
	EnvelopeAgentResponse   = "agent_response"
	EnvelopeSafetyAlert     = "safety_alert"
	EnvelopeCoachingMessage = "coaching_message"
)

// AgentRequestPayload wraps an outbound agent request on the duplex channel.
type AgentRequestPayload struct {
	InteractionID string          `json:"interactionId"`
	AgentType     string          `json:"agentType"`
	Request       json.RawMessage `json:"request"`
	SessionID     string          `json:"sessionId"`
}

// AgentResponsePayload wraps an inbound agent response on the duplex channel.
type AgentResponsePayload struct {
	InteractionID string          `json:"interactionId"`
	Data          json.RawMessage `json:"data"`
	AgentType     string          `json:"agentType"`
	Timestamp     int64           `json:"timestamp"`
}

// SafetyAlertPayload is pushed by the service when a safety rule fires
// (e.g. rapid weight loss beyond the configured threshold).
type SafetyAlertPayload struct {
	UserID   string `json:"userId"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	At       string `json:"at"`
}

// CoachingMessagePayload is an unsolicited coaching nudge pushed by the service.
type CoachingMessagePayload struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Style   string `json:"style,omitempty"`
	At      string `json:"at"`
}

// ============================================================================
// Agent API Types
// ============================================================================

// APIError represents a service-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// AgentResult is the generic response shape of the agent endpoints.
type AgentResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the result data into the given struct.
func (r *AgentResult) Decode(v any) error {
	if r.Data == nil {
		return fmt.Errorf("no data in result")
	}
	return json.Unmarshal(r.Data, v)
}

// UserContext carries the coaching preferences the agents personalize on.
type UserContext struct {
	CoachingStyle          string `json:"coaching_style,omitempty"`
	OnGLP1                 bool   `json:"on_glp1,omitempty"`
	GoalType               string `json:"goal_type,omitempty"`
	GamificationPreference string `json:"gamification_preference,omitempty"`
}

// CoachRequest is the request body for the coaching endpoint.
type CoachRequest struct {
	Message     string       `json:"message"`
	UserContext *UserContext `json:"user_context,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
}

// CoachResponse is the coaching endpoint's response body.
type CoachResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
}

// WeightEntry is a single weight measurement.
type WeightEntry struct {
	Date string  `json:"date"`
	Kg   float64 `json:"kg"`
}

// WeightAnalysisRequest is the request body for the weight-analysis endpoint.
type WeightAnalysisRequest struct {
	UserID      string        `json:"user_id"`
	Entries     []WeightEntry `json:"entries"`
	WindowDays  int           `json:"window_days,omitempty"`
	UserContext *UserContext  `json:"user_context,omitempty"`
}

// WeightAnalysisResponse is the weight-analysis endpoint's response body.
type WeightAnalysisResponse struct {
	TrendKgPerWeek float64 `json:"trend_kg_per_week"`
	Summary        string  `json:"summary"`
	SafetyFlag     bool    `json:"safety_flag,omitempty"`
}

// ============================================================================
// Dispatch Types
// ============================================================================

// OperationKind classifies a dispatched operation for routing.
type OperationKind string

const (
	OpRead   OperationKind = "READ"
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
)

// IsWrite reports whether the operation mutates service state.
func (k OperationKind) IsWrite() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// DispatchStatus tells the caller how a dispatched operation completed.
type DispatchStatus string

const (
	// StatusCompleted means the operation reached the service and returned.
	StatusCompleted DispatchStatus = "completed"
	// StatusQueued means the write was accepted locally and will sync later.
	StatusQueued DispatchStatus = "queued"
	// StatusCached means the read was served from the local cache.
	StatusCached DispatchStatus = "cached"
)

// Result is what Dispatch returns to callers.
type Result struct {
	Status   DispatchStatus  `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	ActionID string          `json:"actionId,omitempty"`
}

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrNotConnected is returned when an operation requires the duplex channel
// and it is not in the connected state.
var ErrNotConnected = errors.New("vitracka: realtime channel not connected")

// ErrNoCachedValue is returned when a read cannot reach the origin and no
// cached value has ever existed for the key.
var ErrNoCachedValue = errors.New("vitracka: offline and no cached value")

// AuthenticationError means the identity token is missing or rejected.
// It is fatal for the attempt and never retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// TimeoutError means a correlated request hit its deadline with no response.
type TimeoutError struct {
	InteractionID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.InteractionID, e.After)
}

// ConnectionLostError is delivered to every in-flight request the moment the
// duplex channel leaves the connected state.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return "connection lost: " + e.Reason
}

// SyncError wraps a failure replaying a queued offline action.
type SyncError struct {
	ActionID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of action %s failed: %v", e.ActionID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// TokenProvider supplies the current bearer token. A missing token must be
// treated as an authentication failure, not a transport error.
type TokenProvider interface {
	Token() (string, error)
}

// StaticToken is a TokenProvider for a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", &AuthenticationError{Reason: "no token configured"}
	}
	return string(t), nil
}

// NetworkMonitor reports device network reachability. It is polled freshly
// before every routing decision.
type NetworkMonitor interface {
	IsNetworkAvailable() bool
}

// NetworkMonitorFunc adapts a function to the NetworkMonitor interface.
type NetworkMonitorFunc func() bool

func (f NetworkMonitorFunc) IsNetworkAvailable() bool { return f() }

// AlwaysOnline is a NetworkMonitor that always reports reachability.
var AlwaysOnline = NetworkMonitorFunc(func() bool { return true })
