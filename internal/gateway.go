// Package gateway defines domain types for the Mellon LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Provider ---

// Provider health statuses as written by the health checker and
// connectivity tests.
const (
	StatusUnknown     = "unknown"
	StatusOnline      = "online"
	StatusDegraded    = "degraded"
	StatusTimeout     = "timeout"
	StatusUnreachable = "unreachable"
	StatusError       = "error"
)

// Provider is a configured upstream LLM account.
type Provider struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	BaseURL             string     `json:"base_url"`
	APIKeyEnc           string     `json:"-"` // encrypted, never exposed
	Models              []string   `json:"models"`
	IsActive            bool       `json:"is_active"`
	Status              string     `json:"status"`
	LatencyMs           *float64   `json:"latency_ms,omitempty"`
	LastTestedAt        *time.Time `json:"last_tested_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	IsHealthy           bool       `json:"is_healthy"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ProviderHealth is the set of provider fields a probe outcome mutates.
// Written as a unit so probe results and operator edits serialise on the row.
type ProviderHealth struct {
	Status              string
	LatencyMs           *float64
	LastTestedAt        time.Time
	ConsecutiveFailures int
	IsHealthy           bool
}

// HasModel reports whether model is in the provider's model list.
func (p *Provider) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Route modes.
const (
	ModeAuto     = "auto"
	ModeSpecific = "specific"
	ModeMulti    = "multi"
)

// Node strategies within a multi route.
const (
	StrategyRoundRobin = "round-robin"
	StrategyFailover   = "failover"
)

// Route is a named policy for selecting a provider and model.
type Route struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Mode      string         `json:"mode"`
	IsActive  bool           `json:"is_active"`
	Config    map[string]any `json:"config,omitempty"`
	Nodes     []RouteNode    `json:"nodes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProviderMode returns the "providerMode" config key, defaulting to "all".
func (r *Route) ProviderMode() string {
	if v, ok := r.Config["providerMode"].(string); ok && v != "" {
		return v
	}
	return "all"
}

// SelectedModels returns the "selectedModels" config key as a string slice.
// JSON decoding leaves []any in the config map; both shapes are accepted.
func (r *Route) SelectedModels() []string {
	switch v := r.Config["selectedModels"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RouteNode binds a provider (and optionally a subset of its models) into a
// route, with a strategy and priority for multi mode.
type RouteNode struct {
	ID         string         `json:"id"`
	RouteID    string         `json:"route_id"`
	ProviderID string         `json:"api_id"`
	Models     []string       `json:"models,omitempty"` // empty = inherit provider models
	Strategy   string         `json:"strategy"`
	Priority   int            `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	// Provider is the eagerly fetched referenced provider. Populated by
	// GetRoute on the selection hot path; nil elsewhere.
	Provider *Provider `json:"-"`
}

// CandidateModels returns the node's models if set, otherwise the referenced
// provider's models.
func (n *RouteNode) CandidateModels() []string {
	if len(n.Models) > 0 {
		return n.Models
	}
	if n.Provider != nil {
		return n.Provider.Models
	}
	return nil
}

// --- Canonical chat-completion shapes (OpenAI wire format) ---

// ChatRequest is the canonical OpenAI-shaped chat completion request.
// On the north-bound surface Model names a route, not an upstream model.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"` // string or []string
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	LogitBias        json.RawMessage `json:"logit_bias,omitempty"`
	User             string          `json:"user,omitempty"`
	Functions        json.RawMessage `json:"functions,omitempty"`     // passed through
	FunctionCall     json.RawMessage `json:"function_call,omitempty"` // passed through
}

// Validate checks the canonical request bounds. It returns ErrBadRequest
// wrapped with a detail message on the first violation.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return badRequest("messages must not be empty")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return badRequest("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return badRequest("top_p must be between 0 and 1")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return badRequest("presence_penalty must be between -2 and 2")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return badRequest("frequency_penalty must be between -2 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return badRequest("max_tokens must be at least 1")
	}
	if r.N != nil && *r.N < 1 {
		return badRequest("n must be at least 1")
	}
	return nil
}

// StopSequences decodes the Stop field, which OpenAI allows as either a
// single string or a list of strings.
func (r *ChatRequest) StopSequences() []string {
	if len(r.Stop) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(r.Stop, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(r.Stop, &many) == nil {
		return many
	}
	return nil
}

// Message is a single chat message.
type Message struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	Name         string          `json:"name,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
}

// ChatResponse is the canonical chat.completion object.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage carries token accounting as reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one element of a streaming response. Data holds a
// serialized chat.completion.chunk object ready for an SSE data frame.
type StreamChunk struct {
	Data []byte
	Done bool
	Err  error
}

// NewCompletionID returns a canonical completion identifier of the form
// "chatcmpl-" + 12 hex chars.
func NewCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:12]
}

// --- Context plumbing ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// MaskAPIKey renders a key for display: a short prefix and suffix with the
// middle elided. Short keys collapse to asterisks entirely.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		if len(key) > 4 {
			return key[:2] + "***" + key[len(key)-2:]
		}
		return "***"
	}
	prefix := len(key) / 4
	if prefix > 6 {
		prefix = 6
	}
	return key[:prefix] + "***...***" + key[len(key)-4:]
}

// NormalizeBaseURL strips all trailing slashes from a provider base URL.
func NormalizeBaseURL(base string) string {
	return strings.TrimRight(base, "/")
}

// JoinURL joins a provider base URL and a path with exactly one slash.
func JoinURL(base, path string) string {
	return NormalizeBaseURL(base) + "/" + strings.TrimLeft(path, "/")
}
