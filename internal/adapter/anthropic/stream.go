package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter/sseutil"
)

// streamState tracks the Anthropic SSE state machine.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
}

// readStream reads Anthropic SSE events and emits OpenAI-format chunks.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	state := streamState{id: gateway.NewCompletionID(), model: model}
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, c := range state.handleEvent(currentEvent, data) {
			if !sseutil.Send(ctx, ch, c) {
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		sseutil.Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}

	if state.inputTokens > 0 || state.outputTokens > 0 {
		usage := &gateway.Usage{
			PromptTokens:     state.inputTokens,
			CompletionTokens: state.outputTokens,
			TotalTokens:      state.inputTokens + state.outputTokens,
		}
		if !sseutil.Send(ctx, ch, gateway.StreamChunk{Data: sseutil.BuildUsageChunk(state.id, state.model, usage)}) {
			return
		}
	}
	sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
}

// handleEvent processes one SSE event. Unknown event types (ping,
// content_block_start, ...) produce no chunks.
func (s *streamState) handleEvent(event, data string) []gateway.StreamChunk {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
		return []gateway.StreamChunk{{Data: chunk}}

	case "content_block_delta":
		r := gjson.Parse(data)
		if r.Get("delta.type").String() != "text_delta" {
			return nil
		}
		text := r.Get("delta.text").String()
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
		return []gateway.StreamChunk{{Data: chunk}}

	case "message_delta":
		r := gjson.Parse(data)
		if n := r.Get("usage.output_tokens"); n.Exists() {
			s.outputTokens = int(n.Int())
		}
		reason := r.Get("delta.stop_reason").String()
		if reason == "" {
			return nil
		}
		chunk := sseutil.BuildFinishChunk(s.id, s.model, mapStopReason(reason))
		return []gateway.StreamChunk{{Data: chunk}}

	default:
		return nil
	}
}
