package qemuimg

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/qcow2"
)

const (
	defaultClusterSize = 64 << 10
	// qcow2 头部、L1 表和 refcount 表的固定开销
	qcow2BaseOverhead = 4 * defaultClusterSize
)

// CowUtil 基于 qemu-img 实现 cowutil.Util
type CowUtil struct {
	client QemuImgClient
}

var _ cowutil.Util = (*CowUtil)(nil)

// NewCowUtil 创建 QCOW2 的 CoW 工具
func NewCowUtil(client QemuImgClient) *CowUtil {
	return &CowUtil{client: client}
}

// Format 实现 cowutil.Util
func (u *CowUtil) Format() cowutil.Format {
	return cowutil.FormatQCOW2
}

// GetInfo 实现 cowutil.Util
// 实际占用使用已分配簇统计，块设备上的 actual-size 总是等于卷大小
func (u *CowUtil) GetInfo(ctx context.Context, path string) (*cowutil.Info, error) {
	info, err := u.client.Info(ctx, path)
	if err != nil {
		return nil, err
	}

	result := &cowutil.Info{
		Path:       path,
		SizeVirt:   info.VirtualSize,
		SizePhys:   info.ActualSize,
		ParentPath: info.Backing(),
	}

	if img, err := qcow2.Open(path); err == nil {
		defer img.Close()
		if allocated, err := img.AllocatedBytes(); err == nil {
			result.SizePhys = allocated + qcow2BaseOverhead
		} else {
			zerolog.Ctx(ctx).Debug().Err(err).Str("path", path).Msg("Failed to count qcow2 clusters")
		}
	}

	return result, nil
}

// GetDepth 实现 cowutil.Util
func (u *CowUtil) GetDepth(ctx context.Context, path string) (int, error) {
	chain, err := u.client.BackingChain(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return 0, fmt.Errorf("empty backing chain for %s", path)
	}
	return len(chain) - 1, nil
}

// GetParent 实现 cowutil.Util
func (u *CowUtil) GetParent(ctx context.Context, path string) (string, error) {
	info, err := u.client.Info(ctx, path)
	if err != nil {
		return "", err
	}
	return info.Backing(), nil
}

// GetHidden qcow2 没有 hidden 标记
func (u *CowUtil) GetHidden(ctx context.Context, path string) (bool, error) {
	return false, cowutil.ErrNoHiddenFlag
}

// SetHidden qcow2 没有 hidden 标记
func (u *CowUtil) SetHidden(ctx context.Context, path string, hidden bool) error {
	return cowutil.ErrNoHiddenFlag
}

// Create 实现 cowutil.Util
func (u *CowUtil) Create(ctx context.Context, path string, sizeVirt uint64) error {
	return u.client.Create(ctx, "qcow2", path, sizeVirt)
}

func backingFormat(parentRaw bool) string {
	if parentRaw {
		return "raw"
	}
	return "qcow2"
}

// Snapshot 实现 cowutil.Util
func (u *CowUtil) Snapshot(ctx context.Context, child, parent string, parentRaw bool) error {
	return u.client.CreateFromBackingFile(ctx, "qcow2", backingFormat(parentRaw), parent, child)
}

// SetParent 实现 cowutil.Util
func (u *CowUtil) SetParent(ctx context.Context, path, parent string, parentRaw bool) error {
	return u.client.Rebase(ctx, path, "qcow2", backingFormat(parentRaw), parent)
}

// Coalesce 实现 cowutil.Util
func (u *CowUtil) Coalesce(ctx context.Context, path string) error {
	return u.client.Commit(ctx, path, "qcow2")
}

// SetSizeVirt 实现 cowutil.Util
func (u *CowUtil) SetSizeVirt(ctx context.Context, path string, size uint64) error {
	return u.client.Resize(ctx, path, size)
}

// SetSizePhys qcow2 没有 footer，卷大小变化不需要修改镜像
func (u *CowUtil) SetSizePhys(ctx context.Context, path string, size uint64) error {
	return nil
}

// Check 实现 cowutil.Util
func (u *CowUtil) Check(ctx context.Context, path string) error {
	return u.client.Check(ctx, path, "qcow2")
}

// FullSize 完全分配时需要的空间：数据 + L2 表 + refcount 块 + 固定开销
func (u *CowUtil) FullSize(sizeVirt uint64) uint64 {
	clusters := cowutil.RoundUp(sizeVirt, defaultClusterSize) / defaultClusterSize
	l2 := cowutil.RoundUp(clusters*8, defaultClusterSize)
	refcount := cowutil.RoundUp(clusters*2, defaultClusterSize)
	return cowutil.RoundUp(sizeVirt, defaultClusterSize) + l2 + refcount + qcow2BaseOverhead
}

// EmptySize 空镜像只有固定开销
func (u *CowUtil) EmptySize(sizeVirt uint64) uint64 {
	return qcow2BaseOverhead
}
