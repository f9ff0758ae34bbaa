package qemuimg

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient 基于 testify mock 的 QemuImgClient，CowUtil 的测试用它代替真实的 qemu-img
type MockClient struct {
	mock.Mock
}

var _ QemuImgClient = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Create(ctx context.Context, format, outputFile string, size uint64) error {
	return m.Called(ctx, format, outputFile, size).Error(0)
}

func (m *MockClient) CreateFromBackingFile(ctx context.Context, format, backingFormat, backingFile, outputFile string) error {
	return m.Called(ctx, format, backingFormat, backingFile, outputFile).Error(0)
}

func (m *MockClient) Rebase(ctx context.Context, imagePath, format, backingFormat, backingFile string) error {
	return m.Called(ctx, imagePath, format, backingFormat, backingFile).Error(0)
}

func (m *MockClient) Commit(ctx context.Context, imagePath, format string) error {
	return m.Called(ctx, imagePath, format).Error(0)
}

func (m *MockClient) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	args := m.Called(ctx, imagePath)
	info, _ := args.Get(0).(*ImageInfo)
	return info, args.Error(1)
}

func (m *MockClient) BackingChain(ctx context.Context, imagePath string) ([]ImageInfo, error) {
	args := m.Called(ctx, imagePath)
	chain, _ := args.Get(0).([]ImageInfo)
	return chain, args.Error(1)
}

func (m *MockClient) Resize(ctx context.Context, imagePath string, size uint64) error {
	return m.Called(ctx, imagePath, size).Error(0)
}

func (m *MockClient) Check(ctx context.Context, imagePath, format string) error {
	return m.Called(ctx, imagePath, format).Error(0)
}
