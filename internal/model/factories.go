package model

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// FakePhone returns a Brazilian mobile number without country code, e.g. 11987654321.
func FakePhone() string {
	return fmt.Sprintf("%02d9%08d", gofakeit.Number(11, 99), gofakeit.Number(10000000, 99999999))
}

// NewWhatsAppMessage creates a queued outbound message with fake data.
// Non-zero fields of the override replace the defaults.
func NewWhatsAppMessage(overrideDefaults ...*WhatsAppMessage) *WhatsAppMessage {
	key := gofakeit.UUID()
	base := &WhatsAppMessage{
		ID:                 int64(gofakeit.Number(1, 1_000_000)),
		WhatsAppInstanceID: int64(gofakeit.Number(1, 1000)),
		CompanyID:          int64(gofakeit.Number(1, 1000)),
		Direction:          DirectionOutbound,
		Phone:              FakePhone(),
		Message:            gofakeit.Sentence(12),
		Status:             MessageStatusQueued,
		IdempotencyKey:     &key,
		CreatedAt:          utils.Now().Add(-time.Duration(gofakeit.Number(1, 120)) * time.Minute),
		UpdatedAt:          utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.WhatsAppInstanceID != 0 {
			base.WhatsAppInstanceID = ovr.WhatsAppInstanceID
		}
		if ovr.CompanyID != 0 {
			base.CompanyID = ovr.CompanyID
		}
		if ovr.Phone != "" {
			base.Phone = ovr.Phone
		}
		if ovr.Message != "" {
			base.Message = ovr.Message
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.IdempotencyKey != nil {
			base.IdempotencyKey = ovr.IdempotencyKey
		}
		if len(ovr.ProviderPayload) > 0 {
			base.ProviderPayload = ovr.ProviderPayload
		}
		base.QuoteID = ovr.QuoteID
		base.SupplierID = ovr.SupplierID
		base.Attempts = ovr.Attempts
		base.ZaapID = ovr.ZaapID
		base.WhatsAppMessageID = ovr.WhatsAppMessageID
		base.ErrorMessage = ovr.ErrorMessage
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
	}
	return base
}

// NewWhatsAppInstance creates a connected instance with plaintext fake credentials.
func NewWhatsAppInstance(overrideDefaults ...*WhatsAppInstance) *WhatsAppInstance {
	phone := "55" + FakePhone()
	connectedAt := utils.Now().Add(-time.Hour)
	base := &WhatsAppInstance{
		ID:                  int64(gofakeit.Number(1, 1000)),
		CompanyID:           int64(gofakeit.Number(1, 1000)),
		Name:                gofakeit.Company(),
		Status:              InstanceStatusConnected,
		PhoneNumber:         &phone,
		InstanceID:          gofakeit.LetterN(32),
		InstanceToken:       gofakeit.LetterN(24),
		ClientToken:         gofakeit.LetterN(34),
		SmartphoneConnected: true,
		ConnectedAt:         &connectedAt,
		CreatedAt:           utils.Now().Add(-24 * time.Hour),
		UpdatedAt:           utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.CompanyID != 0 {
			base.CompanyID = ovr.CompanyID
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		// Credentials are overridden as a set.
		if ovr.InstanceID != "" || ovr.InstanceToken != "" || ovr.ClientToken != "" {
			base.InstanceID = ovr.InstanceID
			base.InstanceToken = ovr.InstanceToken
			base.ClientToken = ovr.ClientToken
		}
	}
	return base
}

// NewSupplier creates a supplier reachable on WhatsApp.
func NewSupplier(companyID int64) *Supplier {
	phone := FakePhone()
	return &Supplier{
		ID:        int64(gofakeit.Number(1, 100_000)),
		CompanyID: companyID,
		Name:      gofakeit.Company(),
		WhatsApp:  &phone,
	}
}

// NewQuote creates a quote with a request body.
func NewQuote(companyID int64) *Quote {
	return &Quote{
		ID:        int64(gofakeit.Number(1, 100_000)),
		CompanyID: companyID,
		Title:     gofakeit.BuzzWord() + " " + gofakeit.ProductName(),
		Message:   "Olá! Gostaria de uma cotação para " + gofakeit.ProductName() + ".",
	}
}
