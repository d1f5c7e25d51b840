//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/lock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

// recordingHandler answers Run from a script and records every call.
type recordingHandler struct {
	mu     sync.Mutex
	runs   map[int64]int
	failed map[int64]error
	script func(messageID int64, run int) error
	done   chan int64
}

func newRecordingHandler(script func(messageID int64, run int) error) *recordingHandler {
	return &recordingHandler{
		runs:   make(map[int64]int),
		failed: make(map[int64]error),
		script: script,
		done:   make(chan int64, 16),
	}
}

func (h *recordingHandler) Run(_ context.Context, messageID int64) error {
	h.mu.Lock()
	h.runs[messageID]++
	run := h.runs[messageID]
	h.mu.Unlock()

	err := h.script(messageID, run)
	if err == nil {
		h.done <- messageID
	}
	return err
}

func (h *recordingHandler) Failed(_ context.Context, messageID int64, cause error) {
	h.mu.Lock()
	h.failed[messageID] = cause
	h.mu.Unlock()
	h.done <- messageID
}

func (h *recordingHandler) Runs(messageID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[messageID]
}

func (h *recordingHandler) FailedCause(messageID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed[messageID]
}

// streamConfig returns a stream layout unique to the calling test.
func streamConfig() config.DispatchStream {
	suffix := uuid.NewString()[:8]
	return config.DispatchStream{
		Stream:        "wa_dispatch_" + suffix,
		Subject:       "v1.wa.dispatch." + suffix,
		Consumer:      "wa-dispatch-worker-" + suffix,
		MaxDeliver:    10,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxAgeHours:   1,
	}
}

func (s *IntegrationSuite) waitDone(h *recordingHandler, want int64) {
	select {
	case got := <-h.done:
		s.Equal(want, got)
	case <-time.After(20 * time.Second):
		s.FailNow(fmt.Sprintf("job %d did not finish", want))
	}
}

func (s *IntegrationSuite) TestJetStreamQueue_DeliversAndRetries() {
	policy := queue.RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{200 * time.Millisecond}}
	q, err := queue.NewJetStreamQueue(s.Ctx, streamConfig(), 2, policy, s.JS, logger.Log)
	s.Require().NoError(err)

	handler := newRecordingHandler(func(messageID int64, run int) error {
		switch messageID {
		case 2: // succeeds on the second attempt
			if run == 1 {
				return queue.Retry(1, errors.New("Z-API error: 502"))
			}
		case 3: // never succeeds
			return queue.Retry(run, errors.New("Z-API error: 500"))
		}
		return nil
	})

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	s.Require().NoError(q.Start(ctx, handler))
	defer q.Stop()

	for id := int64(1); id <= 3; id++ {
		s.Require().NoError(q.Enqueue(ctx, queue.Job{MessageID: id, CompanyID: DefaultCompanyID}, 0))
	}

	finished := map[int64]bool{}
	deadline := time.After(30 * time.Second)
	for len(finished) < 3 {
		select {
		case id := <-handler.done:
			finished[id] = true
		case <-deadline:
			s.FailNow("jobs did not finish", "finished: %v", finished)
		}
	}

	s.Equal(1, handler.Runs(1))
	s.Equal(2, handler.Runs(2))
	s.Equal(3, handler.Runs(3))
	s.Nil(handler.FailedCause(1))
	s.Nil(handler.FailedCause(2))
	s.EqualError(handler.FailedCause(3), "Z-API error: 500")
}

func (s *IntegrationSuite) TestJetStreamQueue_HonoursEnqueueDelay() {
	policy := queue.RetryPolicy{MaxAttempts: 1, Backoff: []time.Duration{time.Second}}
	q, err := queue.NewJetStreamQueue(s.Ctx, streamConfig(), 1, policy, s.JS, logger.Log)
	s.Require().NoError(err)

	var mu sync.Mutex
	var ranAt time.Time
	handler := newRecordingHandler(func(int64, int) error {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	s.Require().NoError(q.Start(ctx, handler))
	defer q.Stop()

	enqueuedAt := time.Now()
	s.Require().NoError(q.Enqueue(ctx, queue.Job{MessageID: 9, CompanyID: DefaultCompanyID}, 1500*time.Millisecond))
	s.waitDone(handler, 9)

	mu.Lock()
	defer mu.Unlock()
	s.GreaterOrEqual(ranAt.Sub(enqueuedAt), 1400*time.Millisecond)
}

func (s *IntegrationSuite) TestKVLocker_ExclusiveAndExpiring() {
	kv, err := s.JS.KeyValue(s.Ctx, "wa_send_locks_"+uuid.NewString()[:8], 2*time.Second)
	s.Require().NoError(err)
	locker := lock.NewKVLocker(kv)
	key := lock.SendLockKey(11)

	lease, err := locker.TryLock(s.Ctx, key)
	s.Require().NoError(err)

	_, err = locker.TryLock(s.Ctx, key)
	s.ErrorIs(err, lock.ErrLocked)

	other, err := locker.TryLock(s.Ctx, lock.SendLockKey(12))
	s.Require().NoError(err)
	s.NoError(other.Release(s.Ctx))

	s.NoError(lease.Release(s.Ctx))
	s.NoError(lease.Release(s.Ctx))

	_, err = locker.TryLock(s.Ctx, key)
	s.Require().NoError(err)

	// A crashed holder never releases; the bucket TTL frees the key.
	s.Eventually(func() bool {
		l, err := locker.TryLock(s.Ctx, key)
		if err != nil {
			return false
		}
		_ = l.Release(s.Ctx)
		return true
	}, 10*time.Second, 250*time.Millisecond)
}
