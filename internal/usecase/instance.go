package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/crypto"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// CredentialsRequest replaces an instance's gateway credentials.
type CredentialsRequest struct {
	InstanceID    string `json:"instance_id" validate:"required,max=255"`
	InstanceToken string `json:"instance_token" validate:"required,max=500"`
	ClientToken   string `json:"client_token" validate:"required,max=500"`
}

// CredentialsResult confirms a credentials update without echoing the tokens.
type CredentialsResult struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	HasCredentials bool   `json:"has_credentials"`
}

// InstanceService manages a tenant's gateway sessions and keeps the stored
// connection state in step with what the gateway reports.
type InstanceService struct {
	instances storage.InstanceRepo
	gateway   gateway.Gateway
	cipher    crypto.TokenCipher
	now       func() time.Time
}

// NewInstanceService creates an InstanceService. A nil cipher stores tokens as given.
func NewInstanceService(instances storage.InstanceRepo, gw gateway.Gateway, cipher crypto.TokenCipher) *InstanceService {
	if cipher == nil {
		cipher = crypto.Plaintext{}
	}
	return &InstanceService{instances: instances, gateway: gw, cipher: cipher, now: utils.Now}
}

// gatewayError makes sure err maps to the gateway error code.
func gatewayError(err error) error {
	if errors.Is(err, apperrors.ErrGateway) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrGateway, err)
}

func (s *InstanceService) load(ctx context.Context, id int64) (*model.WhatsAppInstance, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return loadSendableInstance(ctx, s.instances, companyID, id)
}

func (s *InstanceService) statusColumns(instance *model.WhatsAppInstance, st gateway.StatusResult) map[string]interface{} {
	checkedAt := st.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.now()
	}
	status := model.InstanceStatusDisconnected
	if st.Connected {
		status = model.InstanceStatusConnected
	}
	return model.InstanceStatusUpdate{
		Status:              status,
		SmartphoneConnected: st.SmartphoneConnected,
		LastStatusError:     st.Error,
		CheckedAt:           checkedAt,
		ConnectedSince:      instance.ConnectedAt,
	}.Columns()
}

// Status probes the gateway and records the connection state.
func (s *InstanceService) Status(ctx context.Context, id int64) (*gateway.StatusResult, error) {
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := s.gateway.GetStatus(ctx, instance)
	if err != nil {
		return nil, gatewayError(err)
	}
	if err := s.instances.Update(ctx, instance.ID, s.statusColumns(instance, *st)); err != nil {
		return nil, err
	}
	return st, nil
}

// QRCode fetches a pairing QR code and stamps last_qr_at.
func (s *InstanceService) QRCode(ctx context.Context, id int64) (*gateway.QRCodeResult, error) {
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	qr, err := s.gateway.GetQRCodeImage(ctx, instance)
	if err != nil {
		return nil, gatewayError(err)
	}
	if err := s.instances.Update(ctx, instance.ID, map[string]interface{}{"last_qr_at": s.now()}); err != nil {
		return nil, err
	}
	return qr, nil
}

// Device fetches the paired phone and stores its number.
func (s *InstanceService) Device(ctx context.Context, id int64) (*gateway.DeviceInfo, error) {
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	device, err := s.gateway.GetDeviceInfo(ctx, instance)
	if err != nil {
		return nil, gatewayError(err)
	}
	if device.Phone != nil && *device.Phone != "" {
		if err := s.instances.Update(ctx, instance.ID, map[string]interface{}{"phone_number": *device.Phone}); err != nil {
			return nil, err
		}
	}
	return device, nil
}

// FullStatus combines status with device info or a QR code, recording both
// the connection state and the phone number.
func (s *InstanceService) FullStatus(ctx context.Context, id int64) (*gateway.FullStatus, error) {
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	full, err := s.gateway.GetFullStatus(ctx, instance)
	if err != nil {
		return nil, gatewayError(err)
	}
	columns := s.statusColumns(instance, full.StatusResult)
	if full.Phone != nil && *full.Phone != "" {
		columns["phone_number"] = *full.Phone
	}
	if err := s.instances.Update(ctx, instance.ID, columns); err != nil {
		return nil, err
	}
	return full, nil
}

// PhoneCode requests a phone-number pairing code.
func (s *InstanceService) PhoneCode(ctx context.Context, id int64, phone string) (*gateway.PhoneCodeResult, error) {
	if err := validator.ValidateVar(phone, "required,waphone"); err != nil {
		return nil, err
	}
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	code, err := s.gateway.GetPhoneCode(ctx, instance, phone)
	if err != nil {
		return nil, gatewayError(err)
	}
	return code, nil
}

// Disconnect logs the session out and clears the stored connection.
func (s *InstanceService) Disconnect(ctx context.Context, id int64) (*gateway.DisconnectResult, error) {
	instance, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := s.gateway.Disconnect(ctx, instance)
	if err != nil {
		return nil, gatewayError(err)
	}
	err = s.instances.Update(ctx, instance.ID, map[string]interface{}{
		"status":               model.InstanceStatusDisconnected,
		"smartphone_connected": false,
		"connected_at":         nil,
		"phone_number":         nil,
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Instance disconnected", zap.Int64("instance_id", instance.ID))
	return result, nil
}

// UpdateCredentials encrypts and stores new gateway credentials. Unlike the
// other operations it works on instances without credentials.
func (s *InstanceService) UpdateCredentials(ctx context.Context, id int64, req CredentialsRequest) (*CredentialsResult, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := s.instances.FindForCompany(ctx, companyID, id)
	if err != nil {
		return nil, err
	}

	instanceToken, err := s.cipher.Encrypt(req.InstanceToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt instance token: %w", err)
	}
	clientToken, err := s.cipher.Encrypt(req.ClientToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt client token: %w", err)
	}

	err = s.instances.Update(ctx, instance.ID, map[string]interface{}{
		"instance_id":    req.InstanceID,
		"instance_token": instanceToken,
		"client_token":   clientToken,
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Instance credentials updated", zap.Int64("instance_id", instance.ID))
	return &CredentialsResult{ID: instance.ID, Name: instance.Name, HasCredentials: true}, nil
}
