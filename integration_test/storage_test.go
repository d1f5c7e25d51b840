//go:build integration

package integration_test

import (
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

func (s *IntegrationSuite) TestMessageRepo_CreateAndTransition() {
	messages := storage.NewMessageRepoAdapter(s.Repo)
	instance := s.SeedInstance(DefaultCompanyID)

	key := "order-77"
	msg := &model.WhatsAppMessage{
		CompanyID:          DefaultCompanyID,
		WhatsAppInstanceID: instance.ID,
		Phone:              model.FakePhone(),
		Message:            "Olá",
		IdempotencyKey:     &key,
	}
	s.Require().NoError(messages.Create(s.Ctx, msg))
	s.NotZero(msg.ID)
	s.Equal(model.MessageStatusPending, msg.Status)

	dup := *msg
	dup.ID = 0
	err := messages.Create(s.Ctx, &dup)
	s.ErrorIs(err, apperrors.ErrDuplicate)

	found, err := messages.FindByIdempotencyKey(s.Ctx, key)
	s.Require().NoError(err)
	s.Equal(msg.ID, found.ID)

	tr, err := model.MarkAsQueued(found, utils.Now())
	s.Require().NoError(err)
	s.Require().NoError(messages.ApplyTransition(s.Ctx, found, tr))
	s.Equal(model.MessageStatusQueued, found.Status)

	// A second writer still holding the pending snapshot loses.
	stale := *msg
	tr, err = model.MarkAsQueued(&stale, utils.Now())
	s.Require().NoError(err)
	s.ErrorIs(messages.ApplyTransition(s.Ctx, &stale, tr), apperrors.ErrConflict)

	attempts, err := messages.IncrementAttempts(s.Ctx, msg.ID)
	s.Require().NoError(err)
	s.Equal(1, attempts)

	tr, err = model.MarkAsSent(found, "zaap-1", "3EB0C767D26A1D0C4A", nil, utils.Now())
	s.Require().NoError(err)
	s.Require().NoError(messages.ApplyTransition(s.Ctx, found, tr))

	byProvider, err := messages.FindByProviderID(s.Ctx, instance.ID, "3EB0C767D26A1D0C4A")
	s.Require().NoError(err)
	s.Equal(msg.ID, byProvider.ID)
	s.Equal(model.MessageStatusSent, byProvider.Status)
	s.Require().NotNil(byProvider.SentAt)
	s.Equal(1, byProvider.Attempts)

	_, err = messages.FindByProviderID(s.Ctx, instance.ID+1, "3EB0C767D26A1D0C4A")
	s.ErrorIs(err, apperrors.ErrNotFound)
}

func (s *IntegrationSuite) TestMessageRepo_PivotMirrorAndRequeue() {
	messages := storage.NewMessageRepoAdapter(s.Repo)
	instance := s.SeedInstance(DefaultCompanyID)
	quote, suppliers := s.SeedQuote(DefaultCompanyID, 2)

	msg := s.SeedMessage(instance, model.MessageStatusQueued)
	s.Require().NoError(s.DB.Model(msg).Updates(map[string]interface{}{
		"quote_id":    quote.ID,
		"supplier_id": suppliers[0].ID,
	}).Error)
	msg = s.ReloadMessage(msg.ID)

	tr, err := model.MarkAsFailed(msg, "Z-API error: 500", nil, utils.Now())
	s.Require().NoError(err)
	s.Require().NoError(messages.ApplyTransition(s.Ctx, msg, tr))

	pivot := s.ReloadPivot(quote.ID, suppliers[0].ID)
	s.Equal(model.MessageStatusFailed, pivot.MessageStatus)
	s.Require().NotNil(pivot.ErrorMessage)
	s.Equal("Z-API error: 500", *pivot.ErrorMessage)
	s.Equal(model.QuoteSupplierWaiting, pivot.Status)

	untouched := s.ReloadPivot(quote.ID, suppliers[1].ID)
	s.Equal(model.MessageStatusPending, untouched.MessageStatus)

	requeued, err := messages.RequeueFailed(s.Ctx, DefaultCompanyID, 0)
	s.Require().NoError(err)
	s.Require().Len(requeued, 1)
	s.Equal(model.MessageStatusQueued, requeued[0].Status)

	reloaded := s.ReloadMessage(msg.ID)
	s.Equal(model.MessageStatusQueued, reloaded.Status)
	s.Equal(0, reloaded.Attempts)
	s.Nil(reloaded.ErrorMessage)

	pivot = s.ReloadPivot(quote.ID, suppliers[0].ID)
	s.Equal(model.MessageStatusQueued, pivot.MessageStatus)
	s.Nil(pivot.ErrorMessage)
	s.NotNil(pivot.QueuedAt)
}

func (s *IntegrationSuite) TestMessageRepo_StatsAreTenantScoped() {
	messages := storage.NewMessageRepoAdapter(s.Repo)
	mine := s.SeedInstance(DefaultCompanyID)
	theirs := s.SeedInstance(OtherCompanyID)

	s.SeedMessage(mine, model.MessageStatusQueued)
	s.SeedMessage(mine, model.MessageStatusQueued)
	s.SeedMessage(mine, model.MessageStatusFailed)
	sent := s.SeedMessage(mine, model.MessageStatusSent)
	s.Require().NoError(s.DB.Model(sent).Update("sent_at", utils.Now()).Error)
	s.SeedMessage(theirs, model.MessageStatusQueued)

	dayStart := utils.StartOfDayUTC(utils.Now())
	stats, err := messages.Stats(s.Ctx, DefaultCompanyID, dayStart)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.Pending)
	s.Equal(int64(1), stats.SentToday)
	s.Equal(int64(1), stats.Failed)
	s.Len(stats.Recent, 4)

	queued, err := messages.ListQueued(s.Ctx, DefaultCompanyID, 10)
	s.Require().NoError(err)
	s.Len(queued, 2)

	all, err := messages.ListQueued(s.Ctx, 0, 10)
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *IntegrationSuite) TestInstanceAndQuoteRepo_TenantIsolation() {
	instances := storage.NewInstanceRepoAdapter(s.Repo)
	quotes := storage.NewQuoteRepoAdapter(s.Repo)

	instance := s.SeedInstance(DefaultCompanyID)
	quote, suppliers := s.SeedQuote(DefaultCompanyID, 3)
	s.Require().NoError(s.DB.Model(suppliers[2]).Update("whatsapp", "").Error)

	found, err := instances.FindForCompany(s.Ctx, DefaultCompanyID, instance.ID)
	s.Require().NoError(err)
	s.Equal(instance.InstanceID, found.InstanceID)

	_, err = instances.FindForCompany(s.Ctx, OtherCompanyID, instance.ID)
	s.ErrorIs(err, apperrors.ErrNotFound)

	_, err = quotes.FindForCompany(s.Ctx, OtherCompanyID, quote.ID)
	s.ErrorIs(err, apperrors.ErrNotFound)

	reachable, err := quotes.FindBroadcastSuppliers(s.Ctx, DefaultCompanyID, quote.ID, nil)
	s.Require().NoError(err)
	s.Len(reachable, 2)

	picked, err := quotes.FindBroadcastSuppliers(s.Ctx, DefaultCompanyID, quote.ID, []int64{suppliers[1].ID})
	s.Require().NoError(err)
	s.Require().Len(picked, 1)
	s.Equal(suppliers[1].ID, picked[0].ID)

	now := utils.Now()
	s.Require().NoError(instances.Update(s.Ctx, instance.ID, map[string]interface{}{
		"status":         model.InstanceStatusDisconnected,
		"connected_at":   nil,
		"last_status_at": now,
	}))
	found, err = instances.FindByID(s.Ctx, instance.ID)
	s.Require().NoError(err)
	s.Equal(model.InstanceStatusDisconnected, found.Status)
	s.Nil(found.ConnectedAt)
}

func (s *IntegrationSuite) TestExhaustedDispatchRepo_Save() {
	exhausted := storage.NewExhaustedDispatchRepoAdapter(s.Repo)
	instance := s.SeedInstance(DefaultCompanyID)
	msg := s.SeedMessage(instance, model.MessageStatusFailed)

	s.Require().NoError(exhausted.Save(s.Ctx, model.ExhaustedDispatch{
		MessageID:  msg.ID,
		CompanyID:  DefaultCompanyID,
		InstanceID: instance.ID,
		LastError:  "delivery budget exhausted",
		Attempts:   3,
		Deliveries: 30,
	}))

	var records []model.ExhaustedDispatch
	s.Require().NoError(s.DB.Where("message_id = ?", msg.ID).Find(&records).Error)
	s.Require().Len(records, 1)
	s.Equal(3, records[0].Attempts)
	s.False(records[0].Resolved)
}
