package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

// GatewayMock mocks gateway.Gateway
type GatewayMock struct {
	mock.Mock
}

var _ gateway.Gateway = (*GatewayMock)(nil)

// SendText mocks the SendText method
func (m *GatewayMock) SendText(ctx context.Context, instance *model.WhatsAppInstance, phone, message string, opts gateway.SendOptions) (*gateway.SendTextResult, error) {
	args := m.Called(ctx, instance, phone, message, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.SendTextResult), args.Error(1)
}

// GetStatus mocks the GetStatus method
func (m *GatewayMock) GetStatus(ctx context.Context, instance *model.WhatsAppInstance) (*gateway.StatusResult, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResult), args.Error(1)
}

// GetQRCodeImage mocks the GetQRCodeImage method
func (m *GatewayMock) GetQRCodeImage(ctx context.Context, instance *model.WhatsAppInstance) (*gateway.QRCodeResult, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.QRCodeResult), args.Error(1)
}

// GetDeviceInfo mocks the GetDeviceInfo method
func (m *GatewayMock) GetDeviceInfo(ctx context.Context, instance *model.WhatsAppInstance) (*gateway.DeviceInfo, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.DeviceInfo), args.Error(1)
}

// GetPhoneCode mocks the GetPhoneCode method
func (m *GatewayMock) GetPhoneCode(ctx context.Context, instance *model.WhatsAppInstance, phone string) (*gateway.PhoneCodeResult, error) {
	args := m.Called(ctx, instance, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PhoneCodeResult), args.Error(1)
}

// Disconnect mocks the Disconnect method
func (m *GatewayMock) Disconnect(ctx context.Context, instance *model.WhatsAppInstance) (*gateway.DisconnectResult, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.DisconnectResult), args.Error(1)
}

// GetFullStatus mocks the GetFullStatus method
func (m *GatewayMock) GetFullStatus(ctx context.Context, instance *model.WhatsAppInstance) (*gateway.FullStatus, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.FullStatus), args.Error(1)
}
