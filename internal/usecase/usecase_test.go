package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

const testCompanyID int64 = 3

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func testZAPIConfig() config.ZAPIConfig {
	return config.ZAPIConfig{DefaultDelayMessage: 3, DefaultDelayTyping: 2}
}

// tenantContext returns a context for testCompanyID with a test logger.
func tenantContext(t *testing.T) context.Context {
	t.Helper()
	ctx := tenant.WithCompanyID(context.Background(), testCompanyID)
	return logger.WithLogger(ctx, zaptest.NewLogger(t))
}

// observedContext is tenantContext with captured logs.
func observedContext(t *testing.T) (context.Context, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := tenant.WithCompanyID(context.Background(), testCompanyID)
	return logger.WithLogger(ctx, zap.New(core)), logs
}

func testInstance() *model.WhatsAppInstance {
	return model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 11, CompanyID: testCompanyID})
}

func queuedTransition() interface{} {
	return mock.MatchedBy(func(tr model.Transition) bool { return tr.To == model.MessageStatusQueued })
}
