package sseutil

import (
	"context"

	gateway "github.com/khazad/mellon/internal"
)

// Send delivers one chunk unless ctx is cancelled first. A false return
// means the consumer is gone and the reader must stop without further
// sends; its deferred body close is the only remaining cleanup.
func Send(ctx context.Context, ch chan<- gateway.StreamChunk, c gateway.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
