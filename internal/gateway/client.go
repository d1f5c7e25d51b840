package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/crypto"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

const (
	limiterWait     = 2 * time.Second
	maxResponseBody = 1 << 20
)

// Gateway is the Z-API surface used by the dispatcher.
type Gateway interface {
	SendText(ctx context.Context, instance *model.WhatsAppInstance, phone, message string, opts SendOptions) (*SendTextResult, error)
	GetStatus(ctx context.Context, instance *model.WhatsAppInstance) (*StatusResult, error)
	GetQRCodeImage(ctx context.Context, instance *model.WhatsAppInstance) (*QRCodeResult, error)
	GetDeviceInfo(ctx context.Context, instance *model.WhatsAppInstance) (*DeviceInfo, error)
	GetPhoneCode(ctx context.Context, instance *model.WhatsAppInstance, phone string) (*PhoneCodeResult, error)
	Disconnect(ctx context.Context, instance *model.WhatsAppInstance) (*DisconnectResult, error)
	GetFullStatus(ctx context.Context, instance *model.WhatsAppInstance) (*FullStatus, error)
}

// Client talks to Z-API on behalf of many instances. Each instance gets its
// own circuit breaker and, when configured, its own rate limiter.
type Client struct {
	cfg    config.ZAPIConfig
	http   *http.Client
	cipher crypto.TokenCipher

	mu       sync.Mutex
	breakers map[int64]*gobreaker.CircuitBreaker
	limiters map[int64]*rate.Limiter
}

var _ Gateway = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a gateway client. A nil cipher stores tokens as plaintext.
func NewClient(cfg config.ZAPIConfig, cipher crypto.TokenCipher, opts ...Option) *Client {
	if cipher == nil {
		cipher = crypto.Plaintext{}
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		cipher:   cipher,
		breakers: make(map[int64]*gobreaker.CircuitBreaker),
		limiters: make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendOptions are the optional send-text parameters.
type SendOptions struct {
	DelayMessage  *int
	DelayTyping   *int
	EditMessageID string
}

// SendTextPayload is the body posted to /send-text.
type SendTextPayload struct {
	Phone         string `json:"phone"`
	Message       string `json:"message"`
	DelayMessage  int    `json:"delayMessage"`
	DelayTyping   int    `json:"delayTyping"`
	EditMessageID string `json:"editMessageId,omitempty"`
}

// SendTextResult is a gateway acceptance.
type SendTextResult struct {
	ZaapID    string          `json:"zaapId"`
	MessageID string          `json:"messageId"`
	ID        string          `json:"id"`
	Payload   SendTextPayload `json:"payload"`
	Response  json.RawMessage `json:"response"`
}

// StatusResult is the connection state of an instance.
type StatusResult struct {
	Connected           bool      `json:"connected"`
	SmartphoneConnected bool      `json:"smartphoneConnected"`
	Error               *string   `json:"error"`
	CheckedAt           time.Time `json:"checkedAt"`
}

// QRCodeResult carries a QR image, or Connected when pairing is not needed.
type QRCodeResult struct {
	Connected   bool      `json:"connected"`
	ImageBase64 *string   `json:"imageBase64"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// DeviceInfo describes the paired phone.
type DeviceInfo struct {
	Phone       *string   `json:"phone"`
	ImgURL      *string   `json:"imgUrl"`
	Name        *string   `json:"name"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

// PhoneCodeResult is a pairing code for phone-number login.
type PhoneCodeResult struct {
	Code        *string   `json:"code"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// DisconnectResult confirms a logout.
type DisconnectResult struct {
	Disconnected   bool      `json:"disconnected"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

// FullStatus combines status with device info when connected, or a QR code when not.
type FullStatus struct {
	StatusResult
	Phone      *string `json:"phone,omitempty"`
	ImgURL     *string `json:"imgUrl,omitempty"`
	DeviceName *string `json:"deviceName,omitempty"`
	QRCode     *string `json:"qrCode,omitempty"`
}

// SendText posts a text message. Missing delays fall back to the configured defaults.
func (c *Client) SendText(ctx context.Context, instance *model.WhatsAppInstance, phone, message string, opts SendOptions) (*SendTextResult, error) {
	payload := SendTextPayload{
		Phone:         NormalizePhone(phone),
		Message:       message,
		DelayMessage:  clamp(opts.DelayMessage, config.MinDelayMessage, config.MaxDelay, c.cfg.DefaultDelayMessage),
		DelayTyping:   clamp(opts.DelayTyping, config.MinDelayTyping, config.MaxDelay, c.cfg.DefaultDelayTyping),
		EditMessageID: opts.EditMessageID,
	}

	log := logger.FromContext(ctx).With(zap.Int64("instance_id", instance.ID))
	log.Info("Z-API sendText request",
		zap.String("phone", MaskPhone(phone)),
		zap.Int("message_length", len(message)))

	raw, err := c.call(ctx, instance, "send-text", http.MethodPost, "/send-text", payload)
	if err != nil {
		log.Error("Z-API sendText failed", zap.Error(err))
		return nil, err
	}

	var body struct {
		ZaapID    string `json:"zaapId"`
		MessageID string `json:"messageId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Warn("Z-API sendText returned a non-JSON body", zap.Error(err))
	}
	result := &SendTextResult{ZaapID: body.ZaapID, MessageID: body.MessageID, ID: body.ID, Payload: payload}
	if json.Valid(raw) {
		result.Response = json.RawMessage(raw)
	}

	log.Info("Z-API sendText success",
		zap.String("zaap_id", result.ZaapID),
		zap.String("message_id", result.MessageID))
	return result, nil
}

// GetStatus fetches the connection state.
func (c *Client) GetStatus(ctx context.Context, instance *model.WhatsAppInstance) (*StatusResult, error) {
	raw, err := c.call(ctx, instance, "status", http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	var out StatusResult
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	out.CheckedAt = utils.Now()
	return &out, nil
}

// GetQRCodeImage fetches a pairing QR code as base64.
func (c *Client) GetQRCodeImage(ctx context.Context, instance *model.WhatsAppInstance) (*QRCodeResult, error) {
	raw, err := c.call(ctx, instance, "qr-code", http.MethodGet, "/qr-code/image", nil)
	if err != nil {
		return nil, err
	}
	return parseQRCode(raw)
}

// GetDeviceInfo fetches the paired phone details.
func (c *Client) GetDeviceInfo(ctx context.Context, instance *model.WhatsAppInstance) (*DeviceInfo, error) {
	raw, err := c.call(ctx, instance, "device", http.MethodGet, "/device", nil)
	if err != nil {
		return nil, err
	}
	var out DeviceInfo
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	out.RetrievedAt = utils.Now()
	return &out, nil
}

// GetPhoneCode requests a pairing code for phone.
func (c *Client) GetPhoneCode(ctx context.Context, instance *model.WhatsAppInstance, phone string) (*PhoneCodeResult, error) {
	raw, err := c.call(ctx, instance, "phone-code", http.MethodGet, "/phone-code/"+NormalizePhone(phone), nil)
	if err != nil {
		return nil, err
	}
	var out PhoneCodeResult
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	out.GeneratedAt = utils.Now()
	return &out, nil
}

// Disconnect logs the instance out of WhatsApp.
func (c *Client) Disconnect(ctx context.Context, instance *model.WhatsAppInstance) (*DisconnectResult, error) {
	if _, err := c.call(ctx, instance, "disconnect", http.MethodGet, "/disconnect", nil); err != nil {
		return nil, err
	}
	return &DisconnectResult{Disconnected: true, DisconnectedAt: utils.Now()}, nil
}

// GetFullStatus fetches status and then device info or a QR code. Only the
// status call can fail the operation.
func (c *Client) GetFullStatus(ctx context.Context, instance *model.WhatsAppInstance) (*FullStatus, error) {
	status, err := c.GetStatus(ctx, instance)
	if err != nil {
		return nil, err
	}
	out := &FullStatus{StatusResult: *status}
	log := logger.FromContext(ctx).With(zap.Int64("instance_id", instance.ID))

	if status.Connected {
		device, err := c.GetDeviceInfo(ctx, instance)
		if err != nil {
			log.Warn("Failed to get device info", zap.Error(err))
			return out, nil
		}
		out.Phone, out.ImgURL, out.DeviceName = device.Phone, device.ImgURL, device.Name
		return out, nil
	}

	qr, err := c.GetQRCodeImage(ctx, instance)
	if err != nil {
		log.Warn("Failed to get QR code", zap.Error(err))
		return out, nil
	}
	if !qr.Connected {
		out.QRCode = qr.ImageBase64
	}
	return out, nil
}

// call runs one logical gateway operation: rate limit, breaker, then the
// HTTP request with transport retries.
func (c *Client) call(ctx context.Context, instance *model.WhatsAppInstance, op, method, path string, body interface{}) ([]byte, error) {
	if instance == nil || !instance.HasCredentials() {
		return nil, apperrors.ErrNoCredentials
	}

	if limiter := c.limiterFor(instance.ID); limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, limiterWait)
		err := limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: instance %d", ErrThrottled, instance.ID)
		}
	}

	res, err := c.breakerFor(instance.ID).Execute(func() (interface{}, error) {
		return c.requestWithRetry(ctx, instance, op, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: instance %d", ErrCircuitOpen, instance.ID)
	}
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// requestWithRetry makes up to cfg.Retries attempts, retrying only transient failures.
func (c *Client) requestWithRetry(ctx context.Context, instance *model.WhatsAppInstance, op, method, path string, body interface{}) ([]byte, error) {
	var out []byte
	attempts := c.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(attempts-1)),
		ctx,
	)

	operation := func() error {
		raw, err := c.request(ctx, instance, op, method, path, body)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		out = raw
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying Z-API call",
			zap.String("operation", op),
			zap.Int64("instance_id", instance.ID),
			zap.Duration("retry_after", d),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, instance *model.WhatsAppInstance, op, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL(instance)+path, reader)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	req.Header.Set("Client-Token", c.cipher.Decrypt(instance.ClientToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observer.ObserveGatewayRequest(op, 0, time.Since(start))
		return nil, &CallError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	observer.ObserveGatewayRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &CallError{Op: op, StatusCode: 0, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CallError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func (c *Client) instanceURL(instance *model.WhatsAppInstance) string {
	return fmt.Sprintf("%s/instances/%s/token/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		instance.InstanceID,
		c.cipher.Decrypt(instance.InstanceToken))
}

func (c *Client) breakerFor(instanceID int64) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[instanceID]; ok {
		return cb
	}

	maxFailures := c.cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 10
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("zapi-%d", instanceID),
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Client errors say nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("Z-API circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			observer.IncBreakerTransition(to.String())
		},
	})
	c.breakers[instanceID] = cb
	return cb
}

func (c *Client) limiterFor(instanceID int64) *rate.Limiter {
	if c.cfg.RateLimitRPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[instanceID]; ok {
		return l
	}
	burst := c.cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(c.cfg.RateLimitRPS), burst)
	c.limiters[instanceID] = l
	return l
}

func decode(raw []byte, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode gateway response: %v", apperrors.ErrGateway, err)
	}
	return nil
}

func parseQRCode(raw []byte) (*QRCodeResult, error) {
	var body struct {
		Connected bool    `json:"connected"`
		Value     *string `json:"value"`
	}
	if err := decode(raw, &body); err != nil {
		return nil, err
	}
	out := &QRCodeResult{RefreshedAt: utils.Now()}
	if body.Connected {
		out.Connected = true
		return out, nil
	}
	out.ImageBase64 = body.Value
	return out, nil
}
