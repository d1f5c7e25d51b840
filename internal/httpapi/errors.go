package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the error envelope returned by every route.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the API error code and a human readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type dataBody struct {
	Data interface{} `json:"data"`
}

// StatusForCode maps an API error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case apperrors.CodeValidation, apperrors.CodeNoCredentials, apperrors.CodeNoSuppliers:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	utils.WriteJSONResponse(w, status, dataBody{Data: data})
}

// writeError renders err with its code. Internal errors are logged and their
// text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.Code(err)
	status := StatusForCode(code)
	message := err.Error()

	log := logger.FromContext(r.Context())
	switch {
	case code == apperrors.CodeInternal:
		log.Error("Request failed", zap.Error(err))
		message = "internal server error"
		if errors.Is(err, apperrors.ErrTimeout) {
			message = "operation timed out"
		}
	case status >= http.StatusInternalServerError:
		log.Error("Request failed", zap.String("code", code), zap.Error(err))
	default:
		log.Info("Request rejected", zap.String("code", code), zap.Error(err))
	}

	utils.WriteJSONResponse(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
