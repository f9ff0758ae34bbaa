package lvm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient 是 LVMClient 的 mock 实现
type MockClient struct {
	mock.Mock
}

// NewMockClient 创建新的 MockClient
func NewMockClient() *MockClient {
	return &MockClient{}
}

var _ LVMClient = (*MockClient)(nil)

func (m *MockClient) VGExists(ctx context.Context, vg string) (bool, error) {
	args := m.Called(ctx, vg)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) CreateVG(ctx context.Context, vg string, devices []string) error {
	return m.Called(ctx, vg, devices).Error(0)
}

func (m *MockClient) RemoveVG(ctx context.Context, vg string, devices []string) error {
	return m.Called(ctx, vg, devices).Error(0)
}

func (m *MockClient) ActivateVG(ctx context.Context, vg string) error {
	return m.Called(ctx, vg).Error(0)
}

func (m *MockClient) DeactivateVG(ctx context.Context, vg string) error {
	return m.Called(ctx, vg).Error(0)
}

func (m *MockClient) VGStats(ctx context.Context, vg string) (*VGStats, error) {
	args := m.Called(ctx, vg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*VGStats), args.Error(1)
}

func (m *MockClient) DeviceSize(ctx context.Context, device string) (uint64, error) {
	args := m.Called(ctx, device)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) ResizePV(ctx context.Context, device string) error {
	return m.Called(ctx, device).Error(0)
}

func (m *MockClient) DeviceVG(ctx context.Context, device string) (string, error) {
	args := m.Called(ctx, device)
	return args.String(0), args.Error(1)
}

func (m *MockClient) ListLVs(ctx context.Context, vg string) ([]LVInfo, error) {
	args := m.Called(ctx, vg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]LVInfo), args.Error(1)
}

func (m *MockClient) LVExists(ctx context.Context, vg, lv string) (bool, error) {
	args := m.Called(ctx, vg, lv)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) CreateLV(ctx context.Context, vg, lv string, size uint64, tags []string) error {
	return m.Called(ctx, vg, lv, size, tags).Error(0)
}

func (m *MockClient) RemoveLV(ctx context.Context, vg, lv string) error {
	return m.Called(ctx, vg, lv).Error(0)
}

func (m *MockClient) RenameLV(ctx context.Context, vg, oldLV, newLV string) error {
	return m.Called(ctx, vg, oldLV, newLV).Error(0)
}

func (m *MockClient) ResizeLV(ctx context.Context, vg, lv string, size uint64) error {
	return m.Called(ctx, vg, lv, size).Error(0)
}

func (m *MockClient) ActivateLV(ctx context.Context, vg, lv string) error {
	return m.Called(ctx, vg, lv).Error(0)
}

func (m *MockClient) DeactivateLV(ctx context.Context, vg, lv string) error {
	return m.Called(ctx, vg, lv).Error(0)
}

func (m *MockClient) RefreshLV(ctx context.Context, vg, lv string) error {
	return m.Called(ctx, vg, lv).Error(0)
}

func (m *MockClient) AddTag(ctx context.Context, vg, lv, tag string) error {
	return m.Called(ctx, vg, lv, tag).Error(0)
}

func (m *MockClient) RemoveTag(ctx context.Context, vg, lv, tag string) error {
	return m.Called(ctx, vg, lv, tag).Error(0)
}

func (m *MockClient) SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error {
	return m.Called(ctx, vg, lv, readOnly).Error(0)
}

func (m *MockClient) LVPath(vg, lv string) string {
	return m.Called(vg, lv).String(0)
}

func (m *MockClient) ListDevMapperEntries(ctx context.Context, vg string) ([]string, error) {
	args := m.Called(ctx, vg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockClient) HasOpenHandles(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) RemoveDevMapperEntry(ctx context.Context, path string, force bool) error {
	return m.Called(ctx, path, force).Error(0)
}
