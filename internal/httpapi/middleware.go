package httpapi

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// NewRequestID returns a time-ordered request id.
func NewRequestID(t time.Time) string {
	return "req_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// RequestID reuses the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = NewRequestID(utils.Now())
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(tenant.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns a handler panic into a 500.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.FromContext(r.Context()).Error("[panic] Recovered from panic in handler",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging logs each request once it has been served.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logger.FromContext(r.Context()).Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", routeLabel(r)),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Metrics records request counts and latency by route template.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		observer.ObserveHTTPRequest(routeLabel(r), r.Method, sw.status, time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

// Authenticate requires an HS256 bearer token with a company_id claim and
// scopes the request to that tenant.
func Authenticate(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			companyID, err := companyFromToken(r.Header.Get("Authorization"), secret)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithCompanyID(r.Context(), companyID)))
		})
	}
}

func companyFromToken(header, secret string) (int64, error) {
	if secret == "" {
		return 0, fmt.Errorf("%w: authentication is not configured", apperrors.ErrUnauthorized)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || raw == "" || raw == header {
		return 0, fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthorized)
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("%w: invalid token", apperrors.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid token claims", apperrors.ErrUnauthorized)
	}
	var companyID int64
	switch v := claims["company_id"].(type) {
	case float64:
		companyID = int64(v)
	case string:
		companyID, err = tenant.ParseCompanyID(v)
	default:
		err = tenant.ErrInvalidCompanyID
	}
	if err != nil || companyID <= 0 {
		return 0, fmt.Errorf("%w: token has no company", apperrors.ErrUnauthorized)
	}
	return companyID, nil
}
