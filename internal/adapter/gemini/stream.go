package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter/sseutil"
)

// readStream reads Gemini SSE frames and emits OpenAI-format chunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel; the
// stream is EOF-terminated. Usage is cumulative, so the last seen values
// are emitted at the end.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	id := gateway.NewCompletionID()
	scanner := sseutil.NewScanner(body)

	var lastUsage *gateway.Usage
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapFinishReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		var chunk []byte
		switch {
		case text != "":
			chunk = sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, finishReason)
		case finishReason != "":
			chunk = sseutil.BuildFinishChunk(id, model, finishReason)
		default:
			continue
		}

		if !sseutil.Send(ctx, ch, gateway.StreamChunk{Data: chunk}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		sseutil.Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)})
		return
	}

	if lastUsage != nil {
		if !sseutil.Send(ctx, ch, gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage)}) {
			return
		}
	}
	sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
}
