package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	queuemock "gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue/mock"
	storagemock "gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage/mock"
)

type sendFixture struct {
	messages  *storagemock.MessageRepoMock
	instances *storagemock.InstanceRepoMock
	enqueuer  *queuemock.EnqueuerMock
	service   *SendService
}

func newSendFixture(t *testing.T, seen *cache.IdempotencyCache) *sendFixture {
	f := &sendFixture{
		messages:  new(storagemock.MessageRepoMock),
		instances: new(storagemock.InstanceRepoMock),
		enqueuer:  new(queuemock.EnqueuerMock),
	}
	f.service = NewSendService(f.messages, f.instances, f.enqueuer, seen, testZAPIConfig())
	f.service.scheduler.now = fixedNow
	f.service.newKey = func() string { return "generated-key" }
	t.Cleanup(func() {
		f.messages.AssertExpectations(t)
		f.instances.AssertExpectations(t)
		f.enqueuer.AssertExpectations(t)
	})
	return f
}

func (f *sendFixture) expectInstance(instance *model.WhatsAppInstance) {
	f.instances.On("FindForCompany", mock.Anything, testCompanyID, instance.ID).Return(instance, nil).Once()
}

func (f *sendFixture) expectCreate(id int64) *model.WhatsAppMessage {
	created := &model.WhatsAppMessage{}
	f.messages.On("Create", mock.Anything, mock.AnythingOfType("*model.WhatsAppMessage")).
		Run(func(args mock.Arguments) {
			msg := args.Get(1).(*model.WhatsAppMessage)
			msg.ID = id
			*created = *msg
		}).
		Return(nil).Once()
	return created
}

func validSendRequest() SendRequest {
	return SendRequest{InstanceID: 11, Phone: "11987654321", Message: "Olá, tudo bem?"}
}

func TestSendOne_QueuesNewMessage(t *testing.T) {
	f := newSendFixture(t, nil)
	f.expectInstance(testInstance())
	created := f.expectCreate(55)
	f.messages.On("ApplyTransition", mock.Anything, mock.AnythingOfType("*model.WhatsAppMessage"), queuedTransition()).Return(nil).Once()
	f.enqueuer.On("Enqueue", mock.Anything, queue.Job{MessageID: 55, CompanyID: testCompanyID}, mock.AnythingOfType("time.Duration")).Return(nil).Once()

	res, err := f.service.SendOne(tenantContext(t), validSendRequest())
	require.NoError(t, err)
	assert.Equal(t, &SendResult{MessageID: 55, Status: model.MessageStatusQueued}, res)

	require.NotNil(t, created.IdempotencyKey)
	assert.Equal(t, "generated-key", *created.IdempotencyKey)
	assert.Equal(t, model.MessageStatusPending, created.Status)
	assert.Equal(t, model.DirectionOutbound, created.Direction)
	delays := created.Delays()
	require.NotNil(t, delays.DelayMessage)
	require.NotNil(t, delays.DelayTyping)
	assert.Equal(t, 3, *delays.DelayMessage)
	assert.Equal(t, 2, *delays.DelayTyping)
}

func TestSendOne_RequestDelaysAreStored(t *testing.T) {
	f := newSendFixture(t, nil)
	f.expectInstance(testInstance())
	created := f.expectCreate(56)
	f.messages.On("FindByIdempotencyKey", mock.Anything, "order-1").Return(nil, apperrors.ErrNotFound).Once()
	f.messages.On("ApplyTransition", mock.Anything, mock.Anything, queuedTransition()).Return(nil).Once()
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	req := validSendRequest()
	dm, dt := 9, 0
	req.DelayMessage, req.DelayTyping, req.IdempotencyKey = &dm, &dt, "order-1"

	_, err := f.service.SendOne(tenantContext(t), req)
	require.NoError(t, err)
	delays := created.Delays()
	assert.Equal(t, 9, *delays.DelayMessage)
	assert.Equal(t, 0, *delays.DelayTyping)
	assert.Equal(t, "order-1", *created.IdempotencyKey)
}

func TestSendOne_DuplicateKey(t *testing.T) {
	f := newSendFixture(t, nil)
	f.expectInstance(testInstance())
	existing := model.NewWhatsAppMessage(&model.WhatsAppMessage{ID: 9, CompanyID: testCompanyID, Status: model.MessageStatusSent})
	f.messages.On("FindByIdempotencyKey", mock.Anything, "order-1").Return(existing, nil).Once()

	req := validSendRequest()
	req.IdempotencyKey = "order-1"
	res, err := f.service.SendOne(tenantContext(t), req)
	require.NoError(t, err)
	assert.Equal(t, &SendResult{MessageID: 9, Status: model.MessageStatusSent, Duplicate: true}, res)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSendOne_KeyOfAnotherTenantConflicts(t *testing.T) {
	f := newSendFixture(t, nil)
	f.expectInstance(testInstance())
	existing := model.NewWhatsAppMessage(&model.WhatsAppMessage{ID: 9, CompanyID: 99})
	f.messages.On("FindByIdempotencyKey", mock.Anything, "order-1").Return(existing, nil).Once()

	req := validSendRequest()
	req.IdempotencyKey = "order-1"
	_, err := f.service.SendOne(tenantContext(t), req)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSendOne_InsertRaceResolvesToDuplicate(t *testing.T) {
	seen := cache.NewIdempotencyCache(100, 0.01)
	f := newSendFixture(t, seen)
	f.expectInstance(testInstance())
	f.messages.On("Create", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: idempotency_key", apperrors.ErrDuplicate)).Once()
	existing := model.NewWhatsAppMessage(&model.WhatsAppMessage{ID: 12, CompanyID: testCompanyID, Status: model.MessageStatusQueued})
	f.messages.On("FindByIdempotencyKey", mock.Anything, "order-2").Return(existing, nil).Once()

	req := validSendRequest()
	req.IdempotencyKey = "order-2"
	res, err := f.service.SendOne(tenantContext(t), req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(12), res.MessageID)
	assert.True(t, seen.MaybeSeen("order-2"))
}

func TestSendOne_BloomMissSkipsLookup(t *testing.T) {
	seen := cache.NewIdempotencyCache(100, 0.01)
	f := newSendFixture(t, seen)
	f.expectInstance(testInstance())
	f.expectCreate(57)
	f.messages.On("ApplyTransition", mock.Anything, mock.Anything, queuedTransition()).Return(nil).Once()
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	req := validSendRequest()
	req.IdempotencyKey = "fresh-key"
	_, err := f.service.SendOne(tenantContext(t), req)
	require.NoError(t, err)

	f.messages.AssertNotCalled(t, "FindByIdempotencyKey", mock.Anything, mock.Anything)
	assert.True(t, seen.MaybeSeen("fresh-key"))
}

func TestSendOne_Rejections(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		f := newSendFixture(t, nil)
		req := validSendRequest()
		req.Phone = "123"
		_, err := f.service.SendOne(tenantContext(t), req)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("no tenant", func(t *testing.T) {
		f := newSendFixture(t, nil)
		_, err := f.service.SendOne(context.Background(), validSendRequest())
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("instance of another tenant", func(t *testing.T) {
		f := newSendFixture(t, nil)
		f.instances.On("FindForCompany", mock.Anything, testCompanyID, int64(11)).Return(nil, apperrors.ErrNotFound).Once()
		_, err := f.service.SendOne(tenantContext(t), validSendRequest())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("no credentials", func(t *testing.T) {
		f := newSendFixture(t, nil)
		instance := testInstance()
		instance.InstanceToken = ""
		f.expectInstance(instance)
		_, err := f.service.SendOne(tenantContext(t), validSendRequest())
		assert.ErrorIs(t, err, apperrors.ErrNoCredentials)
		assert.Equal(t, apperrors.CodeNoCredentials, apperrors.Code(err))
		f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestSendOne_EnqueueFailureLeavesMessageQueued(t *testing.T) {
	f := newSendFixture(t, nil)
	f.expectInstance(testInstance())
	f.expectCreate(58)
	f.messages.On("ApplyTransition", mock.Anything, mock.Anything, queuedTransition()).Return(nil).Once()
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats: no responders")).Once()

	ctx, logs := observedContext(t)
	res, err := f.service.SendOne(ctx, validSendRequest())
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, res.Status)
	assert.Equal(t, 1, logs.FilterMessage("Message queued but not scheduled, left for drain").Len())
}
