package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

func TestWriteJSONResponse(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)

	t.Run("encodes body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteJSONResponse(rec, http.StatusAccepted, map[string]interface{}{"message_id": 7, "status": "queued"})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.JSONEq(t, `{"message_id":7,"status":"queued"}`, rec.Body.String())
	})

	t.Run("no content", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteJSONResponse(rec, http.StatusNoContent, map[string]bool{"ignored": true})

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("unencodable body keeps status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteJSONResponse(rec, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})
}
