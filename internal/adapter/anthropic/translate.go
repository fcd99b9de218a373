// Package anthropic implements the adapter for the Anthropic Messages API.
package anthropic

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/khazad/mellon/internal"
)

const defaultMaxTokens = 1024 // Anthropic requires max_tokens

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model         string         `json:"model"`
	MaxTokens     int            `json:"max_tokens"`
	Messages      []anthropicMsg `json:"messages"`
	System        string         `json:"system,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest converts a canonical request to the Messages API shape.
// The first system message becomes the top-level system field; remaining
// messages pass through with user/assistant roles.
func translateRequest(req *gateway.ChatRequest, model string) *anthropicRequest {
	out := &anthropicRequest{
		Model:         model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences(),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if out.System == "" {
				out.System = m.Content
			}
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

// translateResponse converts a Messages API JSON response to the canonical
// chat.completion shape. Text content is the concatenation of the text
// blocks.
func translateResponse(data []byte, model string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	var content strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	var usage *gateway.Usage
	if u := r.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	return &gateway.ChatResponse{
		ID:      gateway.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: content.String()},
			FinishReason: mapStopReason(r.Get("stop_reason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
