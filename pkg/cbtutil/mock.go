package cbtutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockLinker 是 Linker 的 mock 实现
type MockLinker struct {
	mock.Mock
}

// NewMockLinker 创建新的 MockLinker
func NewMockLinker() *MockLinker {
	return &MockLinker{}
}

// SetChild 实现 Linker 接口
func (m *MockLinker) SetChild(ctx context.Context, host, logPath, childUUID string) error {
	return m.Called(ctx, host, logPath, childUUID).Error(0)
}

// MockRemote 是 Remote 的 mock 实现
type MockRemote struct {
	mock.Mock
}

// SetCBTChild 实现 Remote 接口
func (m *MockRemote) SetCBTChild(ctx context.Context, host, logPath, childUUID string) error {
	return m.Called(ctx, host, logPath, childUUID).Error(0)
}
