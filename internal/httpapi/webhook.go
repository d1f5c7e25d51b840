package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// WebhookSecretHeader carries the shared secret configured on the gateway.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookHandler consumes a raw gateway callback for an instance.
type WebhookHandler interface {
	Handle(ctx context.Context, instanceID int64, secret string, payload []byte) error
}

// Webhook serves gateway callbacks.
type Webhook struct {
	Handler WebhookHandler
}

// Register registers the callback route.
func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/webhooks/zapi/{instanceId}", wh.handleZAPI).Methods(http.MethodPost)
}

func (wh *Webhook) handleZAPI(w http.ResponseWriter, r *http.Request) {
	instanceID, err := pathID(r, "instanceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read body: %v", apperrors.ErrBadRequest, err))
		return
	}
	if err := wh.Handler.Handle(r.Context(), instanceID, r.Header.Get(WebhookSecretHeader), payload); err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}
