package lvm

import (
	"context"
	"errors"
)

// ErrNotFound 卷组或逻辑卷不存在
var ErrNotFound = errors.New("lvm object not found")

// LVInfo 逻辑卷信息
type LVInfo struct {
	Name     string
	Size     uint64
	Active   bool
	Open     bool
	ReadOnly bool
	Tags     []string
}

// Hidden 判断逻辑卷是否带有 hidden tag
func (i *LVInfo) Hidden() bool {
	return i.HasTag(HiddenTag)
}

// HasTag 判断逻辑卷是否带有指定 tag
func (i *LVInfo) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// VGStats 卷组容量
type VGStats struct {
	Size       uint64
	Free       uint64
	ExtentSize uint64
	// PVSize 所有 PV 的大小之和
	PVSize uint64
}

// Utilisation 已使用的空间
func (s *VGStats) Utilisation() uint64 {
	return s.Size - s.Free
}

// LVMClient 定义了 LVM 与 device-mapper 操作的接口
// 用于抽象命令行工具，便于测试和 mock
type LVMClient interface {
	// VGExists 检查卷组是否存在
	VGExists(ctx context.Context, vg string) (bool, error)
	// CreateVG 在设备上创建卷组
	CreateVG(ctx context.Context, vg string, devices []string) error
	// RemoveVG 删除卷组以及设备上的 PV 标签
	RemoveVG(ctx context.Context, vg string, devices []string) error
	// ActivateVG 激活卷组
	ActivateVG(ctx context.Context, vg string) error
	// DeactivateVG 停用卷组
	DeactivateVG(ctx context.Context, vg string) error
	// VGStats 获取卷组容量
	VGStats(ctx context.Context, vg string) (*VGStats, error)
	// DeviceSize 获取块设备大小
	DeviceSize(ctx context.Context, device string) (uint64, error)
	// ResizePV 让 PV 占满已扩容的设备
	ResizePV(ctx context.Context, device string) error
	// DeviceVG 返回设备上 PV 所属的卷组，不是 PV 时返回空字符串
	DeviceVG(ctx context.Context, device string) (string, error)

	// ListLVs 列出卷组的所有逻辑卷
	ListLVs(ctx context.Context, vg string) ([]LVInfo, error)
	// LVExists 检查逻辑卷是否存在
	LVExists(ctx context.Context, vg, lv string) (bool, error)
	// CreateLV 创建逻辑卷
	CreateLV(ctx context.Context, vg, lv string, size uint64, tags []string) error
	// RemoveLV 删除逻辑卷
	RemoveLV(ctx context.Context, vg, lv string) error
	// RenameLV 重命名逻辑卷
	RenameLV(ctx context.Context, vg, oldLV, newLV string) error
	// ResizeLV 调整逻辑卷大小
	ResizeLV(ctx context.Context, vg, lv string, size uint64) error
	// ActivateLV 激活逻辑卷
	ActivateLV(ctx context.Context, vg, lv string) error
	// DeactivateLV 停用逻辑卷
	DeactivateLV(ctx context.Context, vg, lv string) error
	// RefreshLV 重新加载逻辑卷的映射（其他主机修改大小后调用）
	RefreshLV(ctx context.Context, vg, lv string) error
	// AddTag 给逻辑卷添加 tag
	AddTag(ctx context.Context, vg, lv, tag string) error
	// RemoveTag 删除逻辑卷的 tag
	RemoveTag(ctx context.Context, vg, lv, tag string) error
	// SetReadOnly 修改逻辑卷的读写权限
	SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error
	// LVPath 返回逻辑卷的设备路径
	LVPath(vg, lv string) string

	// ListDevMapperEntries 列出卷组在 device-mapper 中的所有映射项路径
	ListDevMapperEntries(ctx context.Context, vg string) ([]string, error)
	// HasOpenHandles 检查映射项是否仍被打开
	HasOpenHandles(ctx context.Context, path string) (bool, error)
	// RemoveDevMapperEntry 删除映射项
	RemoveDevMapperEntry(ctx context.Context, path string, force bool) error
}
