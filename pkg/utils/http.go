package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

// WriteJSONResponse writes data as a JSON body with statusCode. Responses are
// never cached. A nil data or a 204 writes headers only.
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if data == nil || statusCode == http.StatusNoContent {
		return
	}
	// The status line is gone already; a failed body can only be logged.
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.Warn("Failed to encode JSON response", zap.Int("status", statusCode), zap.Error(err))
	}
}
