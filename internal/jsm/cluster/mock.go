package cluster

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockHosts 是 Hosts 的 mock 实现
type MockHosts struct {
	mock.Mock
}

// NewMockHosts 创建新的 MockHosts
func NewMockHosts() *MockHosts {
	return &MockHosts{}
}

// ThisHost 实现 Hosts 接口
func (m *MockHosts) ThisHost() string {
	return m.Called().String(0)
}

// AttachedHosts 实现 Hosts 接口
func (m *MockHosts) AttachedHosts(ctx context.Context, srUUID string) ([]string, error) {
	args := m.Called(ctx, srUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// RefreshVolume 实现 Hosts 接口
func (m *MockHosts) RefreshVolume(ctx context.Context, host, srUUID, lvName string) error {
	return m.Called(ctx, host, srUUID, lvName).Error(0)
}

// NotifyChainUpdate 实现 Hosts 接口
func (m *MockHosts) NotifyChainUpdate(ctx context.Context, host, srUUID, vdiUUID, parentUUID string) error {
	return m.Called(ctx, host, srUUID, vdiUUID, parentUUID).Error(0)
}
