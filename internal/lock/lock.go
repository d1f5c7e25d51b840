package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

var (
	// ErrLocked is returned by TryLock when another holder owns the key.
	ErrLocked = errors.New("lock is held")
	// ErrLeaseLost is returned by Refresh once the lease expired or changed hands.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Locker grants short-lived exclusive leases. TryLock never waits.
type Locker interface {
	TryLock(ctx context.Context, key string) (*Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string

	once    sync.Once
	release func(ctx context.Context) error
	refresh func(ctx context.Context) error
}

// Release gives the lock back.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

// Refresh restarts the lease TTL. It fails with ErrLeaseLost when the lease
// already expired or another holder took the key.
func (l *Lease) Refresh(ctx context.Context) error {
	if l.refresh == nil {
		return nil
	}
	return l.refresh(ctx)
}

// KeepAlive refreshes the lease every interval until stop is called. The
// returned context is cancelled as soon as a refresh fails, so work bound to
// it cannot outlive the lease.
func (l *Lease) KeepAlive(ctx context.Context, every time.Duration) (held context.Context, stop func()) {
	held, cancel := context.WithCancelCause(ctx)
	if every <= 0 {
		return held, func() { cancel(nil) }
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(held); err != nil {
					logger.FromContext(ctx).Warn("Lock lease lost, cancelling holder", zap.String("key", l.Key), zap.Error(err))
					cancel(err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}
}

// SendLockKey names the per-instance send lock.
func SendLockKey(instanceID int64) string {
	return fmt.Sprintf("zapi_send_%d", instanceID)
}

// KVLocker implements Locker on a NATS key-value bucket. Expiry comes from
// the bucket TTL, so a crashed holder frees the key after at most one TTL.
type KVLocker struct {
	kv nats.KeyValue
}

var _ Locker = (*KVLocker)(nil)

// NewKVLocker wraps an existing bucket.
func NewKVLocker(kv nats.KeyValue) *KVLocker {
	return &KVLocker{kv: kv}
}

// TryLock creates key if absent.
func (l *KVLocker) TryLock(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	rev, err := l.kv.Create(key, []byte(token))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var mu sync.Mutex
	return &Lease{
		Key:   key,
		Token: token,
		refresh: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			// A new revision restarts the bucket TTL for the key.
			next, err := l.kv.Update(key, []byte(token), rev)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrLeaseLost, key, err)
			}
			rev = next
			return nil
		},
		release: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			// Only delete our own revision; an expired lease may have been re-acquired.
			err := l.kv.Delete(key, nats.LastRevision(rev))
			if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				logger.FromContext(ctx).Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
				return fmt.Errorf("release lock %s: %w", key, err)
			}
			return nil
		},
	}, nil
}

// MemoryLocker is an in-process Locker for single-node runs and tests.
type MemoryLocker struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates a MemoryLocker whose leases expire after ttl.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, now: utils.Now, locks: make(map[string]memoryEntry)}
}

// TryLock takes key unless a live lease holds it.
func (l *MemoryLocker) TryLock(_ context.Context, key string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.locks[key] = memoryEntry{token: token, expires: now.Add(l.ttl)}

	return &Lease{
		Key:   key,
		Token: token,
		refresh: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := l.now()
			e, ok := l.locks[key]
			if !ok || e.token != token || !now.Before(e.expires) {
				return fmt.Errorf("%w: %s", ErrLeaseLost, key)
			}
			e.expires = now.Add(l.ttl)
			l.locks[key] = e
			return nil
		},
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.locks[key]; ok && e.token == token {
				delete(l.locks, key)
			}
			return nil
		},
	}, nil
}
