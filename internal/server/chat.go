package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
)

// handleChatCompletion serves the OpenAI-compatible completion endpoint.
// The request's model field names a route.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.Pipeline.Complete(r.Context(), &req, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream relays pipeline chunks as SSE frames. Errors
// before the first chunk surface as a JSON error response; once headers are
// written, failures emit an error frame before the [DONE] sentinel so
// clients can tell a dropped stream from a clean completion.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	ch, err := s.deps.Pipeline.Stream(r.Context(), req, "")
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.deps.Log.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				s.deps.Log.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEData(w, sseErrorFrame(chunk.Err))
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// sseErrorFrame renders a terminal error event in the OpenAI streaming
// error shape.
func sseErrorFrame(err error) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    "upstream_error",
		},
	})
	return b
}

type errorBody struct {
	Detail string `json:"detail"`
}

func errorResponse(detail string) errorBody {
	return errorBody{Detail: detail}
}

// errorStatus maps domain errors to HTTP statuses. Upstream 4xx statuses
// pass through as-is; retried failure classes collapse to 502.
func errorStatus(err error) int {
	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	}

	switch {
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrBackupMissing):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrRouteValidation),
		errors.Is(err, gateway.ErrRouteInactive),
		errors.Is(err, gateway.ErrNoActiveProvider),
		errors.Is(err, gateway.ErrNoModelsAvailable),
		errors.Is(err, gateway.ErrModelNotFound):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUpstream), errors.Is(err, gateway.ErrRouteService):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrDecryption):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse(err.Error()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
