//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/dispatch"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/httpapi"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/lock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

const (
	testJWTSecret     = "integration-jwt-secret"
	testWebhookSecret = "integration-webhook-secret"
	failingPhone      = "5511900000500"
)

// fakeZAPI stands in for the gateway. Sends to failingPhone answer 500.
type fakeZAPI struct {
	mu    sync.Mutex
	sends []gateway.SendTextPayload
	paths []string
	seq   int
}

func (f *fakeZAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/send-text") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var payload gateway.SendTextPayload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	f.sends = append(f.sends, payload)
	f.paths = append(f.paths, r.URL.Path)
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if payload.Phone == failingPhone {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
		return
	}
	_, _ = fmt.Fprintf(w, `{"zaapId":"zaap-%d","messageId":"MSG%06d","id":"MSG%06d"}`, seq, seq, seq)
}

func (f *fakeZAPI) SentTo(phone string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sends {
		if p.Phone == phone {
			n++
		}
	}
	return n
}

// dispatcher is the service wired the way main wires it, on the suite's containers.
type dispatcher struct {
	api    *httptest.Server
	zapi   *fakeZAPI
	gw     *httptest.Server
	q      *queue.JetStreamQueue
	cancel context.CancelFunc
}

func (d *dispatcher) Close() {
	d.api.Close()
	d.cancel()
	d.q.Stop()
	d.gw.Close()
}

func (s *IntegrationSuite) startDispatcher() *dispatcher {
	zapi := &fakeZAPI{}
	gw := httptest.NewServer(zapi)

	zapiCfg := config.ZAPIConfig{
		BaseURL:             gw.URL,
		Timeout:             5 * time.Second,
		Retries:             1,
		RetryDelay:          50 * time.Millisecond,
		DefaultDelayMessage: 1,
		DefaultDelayTyping:  0,
		WebhookSecret:       testWebhookSecret,
		BreakerMaxFailures:  50,
		BreakerTimeout:      time.Second,
	}
	dispatchCfg := config.DispatchConfig{
		MaxAttempts:     2,
		Backoff:         []time.Duration{200 * time.Millisecond},
		LockTTL:         5 * time.Second,
		LockRetryDelay:  100 * time.Millisecond,
		StaggerInterval: 100 * time.Millisecond,
	}
	drainCfg := config.DrainConfig{InteractiveDefault: 5, InteractiveMax: 20, CronDefault: 10, CronMax: 50}

	messages := storage.NewMessageRepoAdapter(s.Repo)
	instances := storage.NewInstanceRepoAdapter(s.Repo)
	quotes := storage.NewQuoteRepoAdapter(s.Repo)
	exhausted := storage.NewExhaustedDispatchRepoAdapter(s.Repo)

	ctx, cancel := context.WithCancel(s.Ctx)
	kv, err := s.JS.KeyValue(ctx, "wa_send_locks_"+uuid.NewString()[:8], dispatchCfg.LockTTL)
	s.Require().NoError(err)

	policy := queue.RetryPolicy{MaxAttempts: dispatchCfg.MaxAttempts, Backoff: dispatchCfg.Backoff}
	q, err := queue.NewJetStreamQueue(ctx, streamConfig(), 4, policy, s.JS, logger.Log)
	s.Require().NoError(err)

	client := gateway.NewClient(zapiCfg, nil)
	job := dispatch.NewJob(messages, instances, exhausted, client, lock.NewKVLocker(kv), dispatchCfg)
	s.Require().NoError(q.Start(ctx, job))

	api := &httpapi.API{
		Send:      usecase.NewSendService(messages, instances, q, nil, zapiCfg),
		Broadcast: usecase.NewBroadcastService(quotes, messages, instances, q, zapiCfg, dispatchCfg.StaggerInterval),
		Queue:     usecase.NewDrainService(messages, job, q, drainCfg),
		Instances: usecase.NewInstanceService(instances, client, nil),
	}
	webhook := &httpapi.Webhook{
		Handler: usecase.NewWebhookService(instances, messages, ingestion.NewRouter(), testWebhookSecret),
	}

	return &dispatcher{
		api:    httptest.NewServer(httpapi.NewRouter(api, webhook, testJWTSecret)),
		zapi:   zapi,
		gw:     gw,
		q:      q,
		cancel: cancel,
	}
}

func (s *IntegrationSuite) post(url string, companyID int64, body interface{}, headers map[string]string) (int, []byte) {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if companyID > 0 {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"company_id": companyID,
			"exp":        time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(testJWTSecret))
		s.Require().NoError(err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, out
}

func (s *IntegrationSuite) waitForStatus(id int64, status string) *model.WhatsAppMessage {
	var msg *model.WhatsAppMessage
	s.Require().Eventually(func() bool {
		msg = s.ReloadMessage(id)
		return msg.Status == status
	}, 20*time.Second, 100*time.Millisecond, "message %d never reached %s", id, status)
	return msg
}

func (s *IntegrationSuite) TestEndToEnd_SendAndDeliveryReceipt() {
	d := s.startDispatcher()
	defer d.Close()
	instance := s.SeedInstance(DefaultCompanyID)

	phone := model.FakePhone()
	code, body := s.post(d.api.URL+"/api/v1/whatsapp/send-text", DefaultCompanyID, usecase.SendRequest{
		InstanceID:     instance.ID,
		Phone:          phone,
		Message:        "Olá, sua cotação chegou",
		IdempotencyKey: "order-e2e-1",
	}, nil)
	s.Require().Equal(http.StatusAccepted, code, string(body))

	var accepted struct {
		Data usecase.SendResult `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(body, &accepted))
	s.Equal(model.MessageStatusQueued, accepted.Data.Status)

	msg := s.waitForStatus(accepted.Data.MessageID, model.MessageStatusSent)
	s.Equal(1, msg.Attempts)
	s.Require().NotNil(msg.ZaapID)
	s.Require().NotNil(msg.WhatsAppMessageID)
	s.Equal(1, d.zapi.SentTo("55"+phone))

	// Same key again: no second record, no second send.
	code, body = s.post(d.api.URL+"/api/v1/whatsapp/send-text", DefaultCompanyID, usecase.SendRequest{
		InstanceID:     instance.ID,
		Phone:          phone,
		Message:        "Olá, sua cotação chegou",
		IdempotencyKey: "order-e2e-1",
	}, nil)
	s.Require().Equal(http.StatusOK, code, string(body))
	var count int64
	s.Require().NoError(s.DB.Model(&model.WhatsAppMessage{}).Where("idempotency_key = ?", "order-e2e-1").Count(&count).Error)
	s.Equal(int64(1), count)

	webhookURL := fmt.Sprintf("%s/api/v1/webhooks/zapi/%d", d.api.URL, instance.ID)
	receipt := model.WebhookEvent{Type: model.WebhookMessageStatusUpdate, MessageID: *msg.WhatsAppMessageID, Status: model.ReceiptDeliveryAck}

	code, _ = s.post(webhookURL, 0, receipt, map[string]string{httpapi.WebhookSecretHeader: "wrong"})
	s.Equal(http.StatusUnauthorized, code)

	code, body = s.post(webhookURL, 0, receipt, map[string]string{httpapi.WebhookSecretHeader: testWebhookSecret})
	s.Require().Equal(http.StatusOK, code, string(body))
	s.JSONEq(`{"received":true}`, string(body))
	s.Equal(model.MessageStatusDelivered, s.ReloadMessage(msg.ID).Status)
}

func (s *IntegrationSuite) TestEndToEnd_QuoteBroadcast() {
	d := s.startDispatcher()
	defer d.Close()
	instance := s.SeedInstance(DefaultCompanyID)
	quote, suppliers := s.SeedQuote(DefaultCompanyID, 2)

	code, body := s.post(fmt.Sprintf("%s/api/v1/quotes/%d/broadcast", d.api.URL, quote.ID), DefaultCompanyID, map[string]interface{}{
		"whatsapp_instance_id": instance.ID,
	}, nil)
	s.Require().Equal(http.StatusAccepted, code, string(body))
	s.JSONEq(`{"data":{"queued":2,"total":2}}`, string(body))

	for _, sup := range suppliers {
		var msg model.WhatsAppMessage
		s.Require().NoError(s.DB.Where("quote_id = ? AND supplier_id = ?", quote.ID, sup.ID).First(&msg).Error)
		s.Equal(quote.Message, msg.Message)
		s.waitForStatus(msg.ID, model.MessageStatusSent)

		pivot := s.ReloadPivot(quote.ID, sup.ID)
		s.Equal(model.MessageStatusSent, pivot.MessageStatus)
		s.NotNil(pivot.ZAPIZaapID)
		s.NotNil(pivot.SentAt)
	}

	// Another tenant cannot see the quote.
	code, _ = s.post(fmt.Sprintf("%s/api/v1/quotes/%d/broadcast", d.api.URL, quote.ID), OtherCompanyID, map[string]interface{}{
		"whatsapp_instance_id": instance.ID,
	}, nil)
	s.Equal(http.StatusNotFound, code)
}

func (s *IntegrationSuite) TestEndToEnd_TransientFailureExhaustsAttempts() {
	d := s.startDispatcher()
	defer d.Close()
	instance := s.SeedInstance(DefaultCompanyID)

	code, body := s.post(d.api.URL+"/api/v1/whatsapp/send-text", DefaultCompanyID, usecase.SendRequest{
		InstanceID: instance.ID,
		Phone:      failingPhone,
		Message:    "Vai falhar",
	}, nil)
	s.Require().Equal(http.StatusAccepted, code, string(body))

	var accepted struct {
		Data usecase.SendResult `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(body, &accepted))

	msg := s.waitForStatus(accepted.Data.MessageID, model.MessageStatusFailed)
	s.Equal(2, msg.Attempts)
	s.Require().NotNil(msg.ErrorMessage)
	s.Contains(*msg.ErrorMessage, "500")
	s.Equal(2, d.zapi.SentTo(failingPhone))

	// Manual retry resets the budget and dispatches again.
	code, body = s.post(d.api.URL+"/api/v1/queue/retry", DefaultCompanyID, map[string]int64{"message_id": msg.ID}, nil)
	s.Require().Equal(http.StatusOK, code, string(body))
	s.Eventually(func() bool { return d.zapi.SentTo(failingPhone) == 4 }, 20*time.Second, 100*time.Millisecond)
	s.waitForStatus(msg.ID, model.MessageStatusFailed)
}
