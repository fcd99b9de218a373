package openai

import (
	"context"
	"fmt"
	"net/http"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter/sseutil"
)

// readStream forwards SSE data payloads from an OpenAI-compatible upstream.
// The channel is closed when done.
func readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
			return
		}
		if !sseutil.Send(ctx, ch, gateway.StreamChunk{Data: []byte(data)}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		sseutil.Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)})
		return
	}
	// EOF without [DONE] still terminates the stream cleanly
	sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
}
