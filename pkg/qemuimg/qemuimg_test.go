package qemuimg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/jsm/pkg/cowutil"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("default path", func(t *testing.T) {
		t.Parallel()
		client := New("")
		assert.Equal(t, "qemu-img", client.qemuImgPath)
		assert.Equal(t, 30*time.Minute, client.timeout)
	})

	t.Run("custom path", func(t *testing.T) {
		t.Parallel()
		client := New("/usr/local/bin/qemu-img")
		assert.Equal(t, "/usr/local/bin/qemu-img", client.qemuImgPath)
	})

	t.Run("with timeout", func(t *testing.T) {
		t.Parallel()
		client := New("").WithTimeout(60 * time.Minute)
		assert.Equal(t, 60*time.Minute, client.timeout)
	})
}

func TestClient_CreateAndChain(t *testing.T) {
	// 检查 qemu-img 是否可用
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not found in PATH, skipping test")
	}

	t.Parallel()

	client := New("")
	ctx := context.Background()

	tmpDir := t.TempDir()
	base := filepath.Join(tmpDir, "base.qcow2")
	leaf := filepath.Join(tmpDir, "leaf.qcow2")

	require.NoError(t, client.Create(ctx, "qcow2", base, 1<<30))
	require.NoError(t, client.CreateFromBackingFile(ctx, "qcow2", "qcow2", base, leaf))

	_, err := os.Stat(leaf)
	require.NoError(t, err)

	info, err := client.Info(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), info.VirtualSize)
	assert.Equal(t, base, info.Backing())

	chain, err := client.BackingChain(ctx, leaf)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	cow := NewCowUtil(client)
	depth, err := cow.GetDepth(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, client.Resize(ctx, leaf, 2<<30))
	require.NoError(t, client.Check(ctx, leaf, "qcow2"))
	require.NoError(t, client.Commit(ctx, leaf, "qcow2"))
}

func TestClient_ContextTimeout(t *testing.T) {
	// 检查 qemu-img 是否可用
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not found in PATH, skipping test")
	}

	t.Parallel()

	client := New("").WithTimeout(1 * time.Nanosecond)
	ctx := context.Background()

	err := client.Create(ctx, "qcow2", filepath.Join(t.TempDir(), "test.qcow2"), 1<<30)
	assert.Error(t, err)
}

func TestCowUtil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	leaf := "/dev/VG_XenStorage-sr/QCOW2-leaf"
	base := "/dev/VG_XenStorage-sr/QCOW2-base"

	testcases := []struct {
		name  string
		setup func(m *MockClient)
		run   func(t *testing.T, u *CowUtil)
	}{
		{
			name: "depth from backing chain",
			setup: func(m *MockClient) {
				m.On("BackingChain", mock.Anything, leaf).Return([]ImageInfo{{}, {}, {}}, nil)
			},
			run: func(t *testing.T, u *CowUtil) {
				depth, err := u.GetDepth(ctx, leaf)
				require.NoError(t, err)
				assert.Equal(t, 2, depth)
			},
		},
		{
			name: "parent prefers full backing filename",
			setup: func(m *MockClient) {
				m.On("Info", mock.Anything, leaf).Return(&ImageInfo{
					BackingFilename:     "QCOW2-base",
					FullBackingFilename: base,
				}, nil)
			},
			run: func(t *testing.T, u *CowUtil) {
				parent, err := u.GetParent(ctx, leaf)
				require.NoError(t, err)
				assert.Equal(t, base, parent)
			},
		},
		{
			name: "info falls back to actual size",
			setup: func(m *MockClient) {
				m.On("Info", mock.Anything, leaf).Return(&ImageInfo{
					VirtualSize: 1 << 30,
					ActualSize:  4096,
				}, nil)
			},
			run: func(t *testing.T, u *CowUtil) {
				info, err := u.GetInfo(ctx, leaf)
				require.NoError(t, err)
				assert.Equal(t, uint64(1<<30), info.SizeVirt)
				assert.Equal(t, uint64(4096), info.SizePhys)
				assert.Empty(t, info.ParentPath)
			},
		},
		{
			name: "snapshot on raw parent",
			setup: func(m *MockClient) {
				m.On("CreateFromBackingFile", mock.Anything, "qcow2", "raw", base, leaf).Return(nil)
			},
			run: func(t *testing.T, u *CowUtil) {
				assert.NoError(t, u.Snapshot(ctx, leaf, base, true))
			},
		},
		{
			name: "set parent rebases",
			setup: func(m *MockClient) {
				m.On("Rebase", mock.Anything, leaf, "qcow2", "qcow2", base).Return(nil)
			},
			run: func(t *testing.T, u *CowUtil) {
				assert.NoError(t, u.SetParent(ctx, leaf, base, false))
			},
		},
		{
			name: "coalesce error is returned",
			setup: func(m *MockClient) {
				m.On("Commit", mock.Anything, leaf, "qcow2").Return(errors.New("commit failed"))
			},
			run: func(t *testing.T, u *CowUtil) {
				assert.Error(t, u.Coalesce(ctx, leaf))
			},
		},
		{
			name:  "no hidden flag",
			setup: func(m *MockClient) {},
			run: func(t *testing.T, u *CowUtil) {
				assert.ErrorIs(t, u.SetHidden(ctx, leaf, true), cowutil.ErrNoHiddenFlag)
				_, err := u.GetHidden(ctx, leaf)
				assert.ErrorIs(t, err, cowutil.ErrNoHiddenFlag)
			},
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := NewMockClient()
			tc.setup(m)
			tc.run(t, NewCowUtil(m))
			m.AssertExpectations(t)
		})
	}
}

func TestCowUtil_Sizes(t *testing.T) {
	t.Parallel()

	u := NewCowUtil(NewMockClient())
	assert.Greater(t, u.FullSize(1<<30), uint64(1<<30))
	assert.Less(t, u.EmptySize(1<<30), u.FullSize(1<<30))
}
