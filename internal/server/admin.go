package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// handleRestore replays the backup snapshot into the store. Missing
// snapshot file maps to 404; success returns the upsert counts.
func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Backup.Restore(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Log.LogAttrs(r.Context(), slog.LevelInfo, "restore completed",
		slog.Int("providers", result.Providers),
		slog.Int("routes", result.Routes),
	)
	writeJSON(w, http.StatusOK, result)
}
