// Package driver 定义 SR 驱动的能力契约和按类型选择驱动的注册表
//
// 驱动是一个封闭的集合，注册表在启动时构建一次，之后只读。
package driver

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jimyag/jsm/internal/jsm/chain"
	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

// SR 一个已加载的存储仓库
type SR interface {
	// Load 解析配置，不访问存储
	Load(ctx context.Context) error
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	Scan(ctx context.Context) error
	Create(ctx context.Context, size uint64) error
	Delete(ctx context.Context) error
	// Probe 返回设备上找到的 SR 列表（XML）
	Probe(ctx context.Context) (string, error)
	// VDI 返回 VDI 句柄，VDI 可以尚不存在
	VDI(ctx context.Context, uuid string) (VDI, error)
	// Info 当前状态的快照
	Info() entity.StorageRepository
	// VDIs 扫描得到的可见 VDI，按 UUID 排序
	VDIs() []entity.VirtualDiskImage
}

// VDI 一个 VDI 句柄
type VDI interface {
	UUID() string
	Info(ctx context.Context) (*entity.VirtualDiskImage, error)
	Create(ctx context.Context, req *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error)
	Delete(ctx context.Context) error
	// Attach 准备 VDI 供本机使用，返回设备路径
	Attach(ctx context.Context, writable bool) (string, error)
	Detach(ctx context.Context) error
	Activate(ctx context.Context, writable bool) error
	Deactivate(ctx context.Context) error
	Clone(ctx context.Context) (*entity.VirtualDiskImage, error)
	Snapshot(ctx context.Context, opts entity.SnapshotOptions) (*entity.VirtualDiskImage, error)
	Resize(ctx context.Context, size uint64) (*entity.VirtualDiskImage, error)
	// GenerateConfig 生成可以在其他进程中重新挂载的配置
	GenerateConfig(ctx context.Context) ([]byte, error)
	AttachFromConfig(ctx context.Context, config []byte) (string, error)
}

// RecordStore VDI 记录的外部存储
type RecordStore interface {
	ListVDIs(ctx context.Context, srUUID string) ([]entity.VirtualDiskImage, error)
	SyncVDIs(ctx context.Context, srUUID string, vdis []entity.VirtualDiskImage) error
	SaveVDI(ctx context.Context, vdi *entity.VirtualDiskImage) error
	DeleteVDI(ctx context.Context, srUUID, uuid string) error
}

// Params 创建 SR 实例的参数
type Params struct {
	SRUUID       string
	DeviceConfig map[string]string
	SMConfig     map[string]string
}

// Env 驱动可以使用的进程级依赖，驱动只取自己需要的部分
type Env struct {
	LVM lvm.LVMClient
	// Utils 每种 CoW 格式的工具
	Utils    map[cowutil.Format]cowutil.Util
	Refcount *badger.DB
	Hosts    cluster.Hosts
	CBT      cbtutil.Linker
	CBTLogs  chain.LogTool
	// Records 为 nil 时只使用元数据卷
	Records RecordStore
	LockDir string
	// LockTimeout SR 锁的等待时间
	LockTimeout time.Duration
	// CoalesceInterval 后台合并的间隔
	CoalesceInterval time.Duration
	// DetachRetries 卸载时等待设备关闭的次数
	DetachRetries int
	DetachDelay   time.Duration
}

// Driver 一种 SR 类型
type Driver struct {
	Type string
	New  func(p Params, env Env) (SR, error)
}

// Handles 是否处理该类型
func (d Driver) Handles(srType string) bool {
	return d.Type == srType
}

// Registry 类型到驱动的映射，创建后不可修改
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry 用给定的驱动构建注册表，类型重复时后者无效
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		if _, ok := r.drivers[d.Type]; ok {
			continue
		}
		r.drivers[d.Type] = d
	}
	return r
}

// Lookup 返回处理 srType 的驱动
func (r *Registry) Lookup(srType string) (Driver, bool) {
	d, ok := r.drivers[srType]
	return d, ok
}

// Types 已注册的类型
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New 创建 srType 的 SR 实例
func (r *Registry) New(srType string, p Params, env Env) (SR, error) {
	d, ok := r.Lookup(srType)
	if !ok {
		return nil, smerror.Newf(smerror.CodeUnsupported, "unknown SR type %q", srType).WithObject(p.SRUUID)
	}
	return d.New(p, env)
}
