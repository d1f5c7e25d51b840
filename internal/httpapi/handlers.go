package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Sender queues single messages.
type Sender interface {
	SendOne(ctx context.Context, req usecase.SendRequest) (*usecase.SendResult, error)
}

// Broadcaster fans a quote out to its suppliers.
type Broadcaster interface {
	Broadcast(ctx context.Context, req usecase.BroadcastRequest) (*usecase.BroadcastResult, error)
}

// QueueManager drains and inspects the dispatch queue.
type QueueManager interface {
	Drain(ctx context.Context, req usecase.DrainRequest) (*usecase.DrainResult, error)
	AuthorizeCron(token string) error
	RetryFailed(ctx context.Context, messageID int64) (*usecase.RetryResult, error)
	Status(ctx context.Context) (*model.QueueStats, error)
}

// InstanceManager operates a tenant's gateway sessions.
type InstanceManager interface {
	Status(ctx context.Context, id int64) (*gateway.StatusResult, error)
	QRCode(ctx context.Context, id int64) (*gateway.QRCodeResult, error)
	Device(ctx context.Context, id int64) (*gateway.DeviceInfo, error)
	FullStatus(ctx context.Context, id int64) (*gateway.FullStatus, error)
	PhoneCode(ctx context.Context, id int64, phone string) (*gateway.PhoneCodeResult, error)
	Disconnect(ctx context.Context, id int64) (*gateway.DisconnectResult, error)
	UpdateCredentials(ctx context.Context, id int64, req usecase.CredentialsRequest) (*usecase.CredentialsResult, error)
}

// API serves the tenant-facing routes.
type API struct {
	Send      Sender
	Broadcast Broadcaster
	Queue     QueueManager
	Instances InstanceManager
}

// CronResponse is the body of the cron drain route, kept flat for schedulers.
type CronResponse struct {
	Success     bool   `json:"success"`
	Processed   int    `json:"processed"`
	Deferred    int    `json:"deferred"`
	ErrorsCount int    `json:"errors_count"`
	Timestamp   string `json:"timestamp"`
}

// RegisterPublic registers routes that authenticate by shared token instead of JWT.
func (a *API) RegisterPublic(r *mux.Router) {
	r.HandleFunc("/api/v1/queue/cron", a.handleCronDrain).Methods(http.MethodGet)
}

// Register registers the JWT-protected routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/whatsapp/send-text", a.handleSendText).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{quote}/broadcast", a.handleBroadcast).Methods(http.MethodPost)

	r.HandleFunc("/queue/work", a.handleDrain).Methods(http.MethodPost)
	r.HandleFunc("/queue/retry", a.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/queue/status", a.handleQueueStatus).Methods(http.MethodGet)

	r.HandleFunc("/whatsapp/instances/{id}/status", a.handleInstanceStatus).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/instances/{id}/qr", a.handleInstanceQR).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/instances/{id}/device", a.handleInstanceDevice).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/instances/{id}/full-status", a.handleInstanceFullStatus).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/instances/{id}/phone-code/{phone}", a.handlePhoneCode).Methods(http.MethodGet)
	r.HandleFunc("/whatsapp/instances/{id}/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/whatsapp/instances/{id}/credentials", a.handleCredentials).Methods(http.MethodPut)
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched
// when optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid json: %v", apperrors.ErrBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", apperrors.ErrBadRequest, name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s", apperrors.ErrBadRequest, name)
	}
	return n, nil
}

func (a *API) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req usecase.SendRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Send.SendOne(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeData(w, status, res)
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	quoteID, err := pathID(r, "quote")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req usecase.BroadcastRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	req.QuoteID = quoteID

	res, err := a.Broadcast.Broadcast(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, res)
}

func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Queue.Drain(r.Context(), usecase.DrainRequest{Mode: usecase.DrainInteractive, Limit: body.Limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleCronDrain(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Cron-Token")
	}
	if err := a.Queue.AuthorizeCron(token); err != nil {
		writeError(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := usecase.DrainRequest{Mode: usecase.DrainCron, Limit: limit}
	if raw := r.URL.Query().Get("company_id"); raw != "" {
		if req.CompanyID, err = strconv.ParseInt(raw, 10, 64); err != nil || req.CompanyID <= 0 {
			writeError(w, r, fmt.Errorf("%w: invalid company_id", apperrors.ErrBadRequest))
			return
		}
	}

	res, err := a.Queue.Drain(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, CronResponse{
		Success:     true,
		Processed:   res.Processed,
		Deferred:    res.Deferred,
		ErrorsCount: len(res.Errors),
		Timestamp:   utils.FormatISO8601(utils.Now()),
	})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID int64 `json:"message_id"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	if body.MessageID < 0 {
		writeError(w, r, fmt.Errorf("%w: invalid message_id", apperrors.ErrBadRequest))
		return
	}
	res, err := a.Queue.RetryFailed(r.Context(), body.MessageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Queue.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// instanceCall runs an instance operation keyed by the {id} path variable.
func instanceCall[T any](w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) (T, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	instanceCall(w, r, a.Instances.Status)
}

func (a *API) handleInstanceQR(w http.ResponseWriter, r *http.Request) {
	instanceCall(w, r, a.Instances.QRCode)
}

func (a *API) handleInstanceDevice(w http.ResponseWriter, r *http.Request) {
	instanceCall(w, r, a.Instances.Device)
}

func (a *API) handleInstanceFullStatus(w http.ResponseWriter, r *http.Request) {
	instanceCall(w, r, a.Instances.FullStatus)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	instanceCall(w, r, a.Instances.Disconnect)
}

func (a *API) handlePhoneCode(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	instanceCall(w, r, func(ctx context.Context, id int64) (*gateway.PhoneCodeResult, error) {
		return a.Instances.PhoneCode(ctx, id, phone)
	})
}

func (a *API) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req usecase.CredentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	instanceCall(w, r, func(ctx context.Context, id int64) (*usecase.CredentialsResult, error) {
		return a.Instances.UpdateCredentials(ctx, id, req)
	})
}
