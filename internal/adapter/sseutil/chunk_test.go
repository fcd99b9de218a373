package sseutil

import (
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/khazad/mellon/internal"
)

func TestBuildDeltaChunk(t *testing.T) {
	t.Parallel()
	b := BuildDeltaChunk("chatcmpl-abc123def456", "claude-3", map[string]any{"content": "hi"}, "")
	r := gjson.ParseBytes(b)
	if r.Get("object").String() != "chat.completion.chunk" {
		t.Errorf("object = %q", r.Get("object").String())
	}
	if r.Get("choices.0.delta.content").String() != "hi" {
		t.Errorf("delta = %s", r.Get("choices.0.delta").Raw)
	}
	if r.Get("choices.0.finish_reason").Type != gjson.Null {
		t.Errorf("finish_reason should be null, got %s", r.Get("choices.0.finish_reason").Raw)
	}
}

func TestBuildFinishChunk(t *testing.T) {
	t.Parallel()
	b := BuildFinishChunk("chatcmpl-abc123def456", "claude-3", "stop")
	r := gjson.ParseBytes(b)
	if r.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", r.Get("choices.0.finish_reason").String())
	}
	if len(r.Get("choices.0.delta").Map()) != 0 {
		t.Errorf("delta not empty: %s", r.Get("choices.0.delta").Raw)
	}
}

func TestBuildUsageChunk(t *testing.T) {
	t.Parallel()
	b := BuildUsageChunk("chatcmpl-abc123def456", "claude-3", &gateway.Usage{
		PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5,
	})
	r := gjson.ParseBytes(b)
	if r.Get("usage.total_tokens").Int() != 5 {
		t.Errorf("usage = %s", r.Get("usage").Raw)
	}
	if len(r.Get("choices").Array()) != 0 {
		t.Errorf("choices should be empty")
	}
}
