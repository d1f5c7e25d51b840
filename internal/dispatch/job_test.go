package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	gwmock "gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway/mock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/lock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	storagemock "gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

type fixture struct {
	messages  *storagemock.MessageRepoMock
	instances *storagemock.InstanceRepoMock
	exhausted *storagemock.ExhaustedDispatchRepoMock
	gw        *gwmock.GatewayMock
	locker    *lock.MemoryLocker
	job       *Job
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orig := logger.Log
	logger.Log = zaptest.NewLogger(t)
	t.Cleanup(func() { logger.Log = orig })

	f := &fixture{
		messages:  new(storagemock.MessageRepoMock),
		instances: new(storagemock.InstanceRepoMock),
		exhausted: new(storagemock.ExhaustedDispatchRepoMock),
		gw:        new(gwmock.GatewayMock),
		locker:    lock.NewMemoryLocker(10 * time.Second),
		now:       time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	f.job = NewJob(f.messages, f.instances, f.exhausted, f.gw, f.locker, config.DispatchConfig{
		MaxAttempts:    3,
		Backoff:        []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second},
		LockTTL:        10 * time.Second,
		LockRetryDelay: 5 * time.Second,
	})
	f.job.now = func() time.Time { return f.now }
	t.Cleanup(func() {
		f.messages.AssertExpectations(t)
		f.instances.AssertExpectations(t)
		f.gw.AssertExpectations(t)
		f.exhausted.AssertExpectations(t)
	})
	return f
}

func (f *fixture) quoteMessage(instanceID int64) *model.WhatsAppMessage {
	quoteID, supplierID := int64(10), int64(20)
	delayMessage, delayTyping := 4, 2
	return model.NewWhatsAppMessage(&model.WhatsAppMessage{
		ID:                 7,
		CompanyID:          3,
		WhatsAppInstanceID: instanceID,
		Phone:              "11987654321",
		Message:            "Cotação de cimento",
		Status:             model.MessageStatusQueued,
		QuoteID:            &quoteID,
		SupplierID:         &supplierID,
		ProviderPayload:    model.NewDelayPayload(&delayMessage, &delayTyping),
	})
}

func transitionTo(status string) interface{} {
	return mock.MatchedBy(func(tr model.Transition) bool { return tr.To == status })
}

func assertUnlocked(t *testing.T, l lock.Locker, instanceID int64) {
	t.Helper()
	lease, err := l.TryLock(context.Background(), lock.SendLockKey(instanceID))
	require.NoError(t, err, "send lock must be released")
	require.NoError(t, lease.Release(context.Background()))
}

func TestRun_Sent(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5, CompanyID: 3})
	msg := f.quoteMessage(instance.ID)

	f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
	f.gw.On("SendText", mock.Anything, instance, "11987654321", "Cotação de cimento",
		mock.MatchedBy(func(o gateway.SendOptions) bool {
			return *o.DelayMessage == 4 && *o.DelayTyping == 2
		})).
		Return(&gateway.SendTextResult{ZaapID: "z-1", MessageID: "m-1", Response: []byte(`{"zaapId":"z-1"}`)}, nil)
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)
	f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
		return tr.To == model.MessageStatusSent &&
			tr.Updates["zaap_id"] == "z-1" &&
			tr.Updates["whatsapp_message_id"] == "m-1" &&
			tr.Pivot["zapi_message_id"] == "m-1" &&
			tr.Pivot["message_status"] == model.MessageStatusSent
	})).Return(nil)

	require.NoError(t, f.job.Run(context.Background(), 7))
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assertUnlocked(t, f.locker, instance.ID)
}

func TestRun_ProviderIDFallsBackToID(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	msg := f.quoteMessage(instance.ID)

	f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
	f.gw.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.SendTextResult{ZaapID: "z-1", ID: "legacy-1"}, nil)
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)
	f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
		return tr.Updates["whatsapp_message_id"] == "legacy-1"
	})).Return(nil)

	require.NoError(t, f.job.Run(context.Background(), 7))
}

func TestRun_Skips(t *testing.T) {
	t.Run("missing message", func(t *testing.T) {
		f := newFixture(t)
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(nil, apperrors.ErrNotFound)
		assert.NoError(t, f.job.Run(context.Background(), 7))
	})

	t.Run("message not queued", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		msg.Status = model.MessageStatusSent
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		assert.NoError(t, f.job.Run(context.Background(), 7))
	})

	t.Run("database unavailable defers", func(t *testing.T) {
		f := newFixture(t)
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(nil, apperrors.ErrDatabase)
		var d *queue.DeferError
		assert.ErrorAs(t, f.job.Run(context.Background(), 7), &d)
	})
}

func TestRun_InstanceProblemsFailImmediately(t *testing.T) {
	t.Run("instance not found", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		f.instances.On("FindByID", mock.Anything, int64(5)).Return(nil, apperrors.ErrNotFound)
		f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
			return tr.To == model.MessageStatusFailed &&
				tr.Updates["error_message"] == ErrTextInstanceNotFound &&
				tr.Pivot["error_message"] == ErrTextInstanceNotFound
		})).Return(nil)

		require.NoError(t, f.job.Run(context.Background(), 7))
		f.gw.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("instance without credentials", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
		instance.ClientToken = ""
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
		f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
			return tr.To == model.MessageStatusFailed && tr.Updates["error_message"] == ErrTextNoCredentials
		})).Return(nil)

		require.NoError(t, f.job.Run(context.Background(), 7))
	})
}

func TestRun_LockHeldDefers(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	msg := f.quoteMessage(instance.ID)
	f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)

	held, err := f.locker.TryLock(context.Background(), lock.SendLockKey(5))
	require.NoError(t, err)
	defer held.Release(context.Background())

	err = f.job.Run(context.Background(), 7)
	var d *queue.DeferError
	require.ErrorAs(t, err, &d)
	assert.Equal(t, 5*time.Second, d.Delay)
	f.gw.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "IncrementAttempts", mock.Anything, mock.Anything)
}

func TestRun_SentWhileWaitingForLock(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	queued := f.quoteMessage(instance.ID)
	sent := *queued
	sent.Status = model.MessageStatusSent

	f.messages.On("FindByID", mock.Anything, int64(7)).Return(queued, nil).Once()
	f.messages.On("FindByID", mock.Anything, int64(7)).Return(&sent, nil).Once()
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)

	require.NoError(t, f.job.Run(context.Background(), 7))
	f.gw.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "IncrementAttempts", mock.Anything, mock.Anything)
	assertUnlocked(t, f.locker, instance.ID)
}

func TestRun_OneSendPerInstanceAtATime(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	first := f.quoteMessage(instance.ID)
	second := f.quoteMessage(instance.ID)
	second.ID = 8

	f.messages.On("FindByID", mock.Anything, int64(7)).Return(first, nil)
	f.messages.On("FindByID", mock.Anything, int64(8)).Return(second, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
	f.messages.On("IncrementAttempts", mock.Anything, mock.Anything).Return(1, nil)
	f.messages.On("ApplyTransition", mock.Anything, mock.Anything, transitionTo(model.MessageStatusSent)).Return(nil)

	var active, peak, calls int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.gw.On("SendText", mock.Anything, instance, mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.SendTextResult{ZaapID: "z-1", MessageID: "m-1"}, nil).
		Run(func(mock.Arguments) {
			atomic.AddInt32(&calls, 1)
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			entered <- struct{}{}
			<-release
			atomic.AddInt32(&active, -1)
		})

	results := make(chan error, 2)
	for _, id := range []int64{7, 8} {
		go func(id int64) { results <- f.job.Run(context.Background(), id) }(id)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no run reached the gateway")
	}

	// The run that lost the lock finishes while the winner is still sending.
	var loser error
	select {
	case loser = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("second run blocked on the instance lock")
	}
	var d *queue.DeferError
	require.ErrorAs(t, loser, &d)

	close(release)
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sending run never finished")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assertUnlocked(t, f.locker, instance.ID)
}

func TestRun_LockHeldForWholeSend(t *testing.T) {
	f := newFixture(t)
	ttl := 60 * time.Millisecond
	f.locker = lock.NewMemoryLocker(ttl)
	f.job.locker = f.locker
	f.job.cfg.LockTTL = ttl

	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	msg := f.quoteMessage(instance.ID)
	f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)
	f.messages.On("ApplyTransition", mock.Anything, msg, transitionTo(model.MessageStatusSent)).Return(nil)

	var midCall error
	f.gw.On("SendText", mock.Anything, instance, mock.Anything, mock.Anything, mock.Anything).
		Return(&gateway.SendTextResult{ZaapID: "z-1", MessageID: "m-1"}, nil).
		Run(func(args mock.Arguments) {
			// A slow gateway call outlasts several TTLs.
			time.Sleep(4 * ttl)
			_, midCall = f.locker.TryLock(context.Background(), lock.SendLockKey(5))
			assert.NoError(t, args.Get(0).(context.Context).Err())
		})

	require.NoError(t, f.job.Run(context.Background(), 7))
	assert.ErrorIs(t, midCall, lock.ErrLocked)
	assertUnlocked(t, f.locker, instance.ID)
}

func TestRun_GatewayFailures(t *testing.T) {
	serverErr := &gateway.CallError{Op: "send-text", StatusCode: http.StatusServiceUnavailable, Body: "unavailable"}
	badRequest := &gateway.CallError{Op: "send-text", StatusCode: http.StatusBadRequest, Body: `{"error":"invalid phone"}`}

	setup := func(t *testing.T, sendErr error) (*fixture, *model.WhatsAppMessage) {
		f := newFixture(t)
		instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
		msg := f.quoteMessage(instance.ID)
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
		f.gw.On("SendText", mock.Anything, instance, mock.Anything, mock.Anything, mock.Anything).Return(nil, sendErr)
		return f, msg
	}

	t.Run("transient failure asks for retry", func(t *testing.T) {
		f, _ := setup(t, serverErr)
		f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)

		err := f.job.Run(context.Background(), 7)
		var r *queue.RetryError
		require.ErrorAs(t, err, &r)
		assert.Equal(t, 1, r.Attempt)
		assert.ErrorIs(t, err, serverErr)
		assertUnlocked(t, f.locker, 5)
	})

	t.Run("transient failure on last attempt fails", func(t *testing.T) {
		f, msg := setup(t, serverErr)
		f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(3, nil)
		f.messages.On("ApplyTransition", mock.Anything, msg, transitionTo(model.MessageStatusFailed)).Return(nil)

		require.NoError(t, f.job.Run(context.Background(), 7))
		assert.Equal(t, model.MessageStatusFailed, msg.Status)
	})

	t.Run("permanent rejection fails at once", func(t *testing.T) {
		f, msg := setup(t, badRequest)
		f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)
		f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
			return tr.To == model.MessageStatusFailed &&
				string(tr.Updates["provider_response"].(datatypes.JSON)) == `{"error":"invalid phone"}`
		})).Return(nil)

		require.NoError(t, f.job.Run(context.Background(), 7))
	})

	t.Run("open breaker defers without counting an attempt", func(t *testing.T) {
		f, _ := setup(t, gateway.ErrCircuitOpen)

		var d *queue.DeferError
		require.ErrorAs(t, f.job.Run(context.Background(), 7), &d)
		f.messages.AssertNotCalled(t, "IncrementAttempts", mock.Anything, mock.Anything)
		assertUnlocked(t, f.locker, 5)
	})

	t.Run("failing status write is returned", func(t *testing.T) {
		f, msg := setup(t, badRequest)
		f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil)
		f.messages.On("ApplyTransition", mock.Anything, msg, mock.Anything).Return(apperrors.ErrDatabase)

		err := f.job.Run(context.Background(), 7)
		assert.ErrorIs(t, err, apperrors.ErrDatabase)
	})
}

func TestFailed(t *testing.T) {
	cause := errors.New("Z-API send-text failed: 503 unavailable")

	t.Run("marks queued message failed and records it", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		msg.Attempts = 3
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		f.messages.On("ApplyTransition", mock.Anything, msg, transitionTo(model.MessageStatusFailed)).Return(nil)
		f.exhausted.On("Save", mock.Anything, mock.MatchedBy(func(r model.ExhaustedDispatch) bool {
			return r.MessageID == 7 && r.CompanyID == 3 && r.InstanceID == 5 &&
				r.Attempts == 3 && r.Deliveries == 4 && r.LastError == cause.Error()
		})).Return(nil)

		f.job.Failed(queue.WithDelivery(context.Background(), 4), 7, cause)
	})

	t.Run("already failed is only recorded", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		msg.Status = model.MessageStatusFailed
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
		f.exhausted.On("Save", mock.Anything, mock.Anything).Return(nil)

		f.job.Failed(context.Background(), 7, cause)
		f.messages.AssertNotCalled(t, "ApplyTransition", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sent message is left alone", func(t *testing.T) {
		f := newFixture(t)
		msg := f.quoteMessage(5)
		msg.Status = model.MessageStatusDelivered
		f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)

		f.job.Failed(context.Background(), 7, cause)
		f.exhausted.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

// Three 503s end failed with the last error after waiting 5s then 30s.
func TestRetryExhaustionThroughQueue(t *testing.T) {
	f := newFixture(t)
	instance := model.NewWhatsAppInstance(&model.WhatsAppInstance{ID: 5})
	msg := f.quoteMessage(instance.ID)
	last := &gateway.CallError{Op: "send-text", StatusCode: http.StatusServiceUnavailable, Body: "try later"}

	f.messages.On("FindByID", mock.Anything, int64(7)).Return(msg, nil)
	f.instances.On("FindByID", mock.Anything, int64(5)).Return(instance, nil)
	f.gw.On("SendText", mock.Anything, instance, mock.Anything, mock.Anything, mock.Anything).Return(nil, last).Times(3)
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(1, nil).Once()
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(2, nil).Once()
	f.messages.On("IncrementAttempts", mock.Anything, int64(7)).Return(3, nil).Once()

	done := make(chan struct{})
	f.messages.On("ApplyTransition", mock.Anything, msg, mock.MatchedBy(func(tr model.Transition) bool {
		return tr.To == model.MessageStatusFailed && tr.Updates["error_message"] == last.Error()
	})).Return(nil).Run(func(mock.Arguments) { close(done) })

	var mu sync.Mutex
	var delays []time.Duration
	q, err := queue.NewMemoryQueue(queue.DefaultRetryPolicy(), 1, queue.WithTimer(func(d time.Duration, fn func()) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		go fn()
	}))
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background(), f.job))
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{MessageID: 7, CompanyID: 3}, 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached failed")
	}
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second}, delays)
}
