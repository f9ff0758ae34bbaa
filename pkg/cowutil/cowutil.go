// Package cowutil 定义 CoW 镜像工具的统一契约
//
// 链引擎只依赖这里的接口，不同格式（VHD、QCOW2）由各自的工具实现：
// vhdutil 封装 vhd-util，qemuimg 封装 qemu-img。头部字段（深度、父定位器、
// hidden 标记、大小）的语义完全由外部工具决定，这里不做任何格式解析。
package cowutil

import (
	"context"
	"errors"
)

// ErrNoHiddenFlag 表示镜像格式没有 hidden 标记，调用方需要改用 LV tag 记录
var ErrNoHiddenFlag = errors.New("image format has no hidden flag")

// Format 镜像格式
type Format string

const (
	FormatVHD   Format = "vhd"
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "aio"
)

// IsCoW 判断格式是否支持 CoW 链
func (f Format) IsCoW() bool {
	return f == FormatVHD || f == FormatQCOW2
}

// Info 从镜像头部读取的信息
type Info struct {
	Path       string
	SizeVirt   uint64 // 虚拟大小（字节）
	SizePhys   uint64 // 镜像实际占用（字节）
	ParentPath string // 父镜像路径，根节点为空
	Hidden     bool
}

// Util CoW 镜像工具的操作集合
//
// 所有路径都是已激活的块设备路径。
type Util interface {
	// Format 返回工具对应的镜像格式
	Format() Format
	// GetInfo 读取镜像头部
	GetInfo(ctx context.Context, path string) (*Info, error)
	// GetDepth 返回链深度，根节点为 0
	GetDepth(ctx context.Context, path string) (int, error)
	// GetParent 返回父镜像路径，根节点返回空字符串
	GetParent(ctx context.Context, path string) (string, error)
	// GetHidden 读取 hidden 标记，不支持时返回 ErrNoHiddenFlag
	GetHidden(ctx context.Context, path string) (bool, error)
	// SetHidden 设置 hidden 标记，不支持时返回 ErrNoHiddenFlag
	SetHidden(ctx context.Context, path string, hidden bool) error
	// Create 创建空镜像
	Create(ctx context.Context, path string, sizeVirt uint64) error
	// Snapshot 在 child 位置创建以 parent 为父的新镜像
	Snapshot(ctx context.Context, child, parent string, parentRaw bool) error
	// SetParent 修改父定位器
	SetParent(ctx context.Context, path, parent string, parentRaw bool) error
	// Coalesce 把镜像数据合并进它的父镜像
	Coalesce(ctx context.Context, path string) error
	// SetSizeVirt 修改虚拟大小
	SetSizeVirt(ctx context.Context, path string, size uint64) error
	// SetSizePhys 卷大小变化后调整镜像的物理边界（VHD 需要移动 footer）
	SetSizePhys(ctx context.Context, path string, size uint64) error
	// Check 检查镜像完整性
	Check(ctx context.Context, path string) error
	// FullSize 返回完全分配时镜像需要的卷大小，用于厚置备
	FullSize(sizeVirt uint64) uint64
	// EmptySize 返回空镜像需要的卷大小
	EmptySize(sizeVirt uint64) uint64
}

// RoundUp 把 size 向上对齐到 align
func RoundUp(size, align uint64) uint64 {
	if align == 0 {
		return size
	}
	return (size + align - 1) / align * align
}
