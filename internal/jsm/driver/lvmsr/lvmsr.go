// Package lvmsr 实现基于共享 LVM 卷组的 CoW 链 SR
//
// 每个 SR 对应一个卷组 VG_XenStorage-<sr>，每个 VDI 是其中的一个逻辑卷。
// 结构性修改只在 master 上执行，并且都在 SR 锁内进行；slave 只读扫描。
package lvmsr

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/chain"
	"github.com/jimyag/jsm/internal/jsm/coalesce"
	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/internal/jsm/lock"
	"github.com/jimyag/jsm/internal/jsm/metadata"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/volume"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

// Type SR 类型标识
const Type = "lvm"

const (
	// MetadataSize 元数据卷的大小
	MetadataSize = 8 << 20

	defaultDetachRetries = 3
	defaultDetachDelay   = time.Second
)

var errBusy = errors.New("device-mapper entries still open")

type deviceConfig struct {
	// Device 逗号分隔的设备列表
	Device string `config:"device"   validate:"required"`
	Master bool   `config:"SRmaster"`
}

type smConfig struct {
	Allocation  string `config:"allocation"  validate:"omitempty,oneof=thick thin"`
	CBT         bool   `config:"cbt"`
	VDIType     string `config:"type"        validate:"omitempty,oneof=vhd qcow2"`
	MaxChain    int    `config:"max_chain"   validate:"omitempty,min=2"`
	Label       string `config:"label"`
	Description string `config:"description"`
}

// attachTracker 由能记录挂载关系的主机视图实现
type attachTracker interface {
	Announce(ctx context.Context, srUUID string, attached bool) error
}

// Driver 返回 lvm 类型的驱动
func Driver() driver.Driver {
	return driver.Driver{Type: Type, New: New}
}

// SR LVM SR 实例
type SR struct {
	uuid   string
	vg     string
	params driver.Params
	env    driver.Env

	devices    []string
	master     bool
	legacy     bool
	thin       bool
	cbt        bool
	leafFormat cowutil.Format
	sm         smConfig

	lock     *lock.SRLock
	act      *volume.Activator
	journal  *journal.Journaler
	engine   *chain.Engine
	coalesce *coalesce.Process
	meta     *metadata.Handler

	mu       sync.RWMutex
	loaded   bool
	attached bool
	stats    lvm.VGStats
	virtual  uint64
	vdis     map[string]entity.VirtualDiskImage
	records  map[string]entity.VirtualDiskImage
}

var _ driver.SR = (*SR)(nil)

// New 创建 SR 实例，调用 Load 之前不可用
func New(p driver.Params, env driver.Env) (driver.SR, error) {
	if env.LVM == nil || env.Refcount == nil || env.Hosts == nil {
		return nil, smerror.New(smerror.CodeInternal, "lvm SR needs an LVM client, a refcount store and a host view").WithObject(p.SRUUID)
	}
	return &SR{
		uuid:    p.SRUUID,
		vg:      lvm.VGName(p.SRUUID),
		params:  p,
		env:     env,
		vdis:    make(map[string]entity.VirtualDiskImage),
		records: make(map[string]entity.VirtualDiskImage),
	}, nil
}

func (sr *SR) logger(ctx context.Context) zerolog.Logger {
	return zerolog.Ctx(ctx).With().Str("sr_uuid", sr.uuid).Logger()
}

// Load 解析 device-config 和 sm-config，构建各组件，不访问存储
func (sr *SR) Load(ctx context.Context) error {
	var dc deviceConfig
	if err := driver.DecodeConfig(sr.uuid, sr.params.DeviceConfig, &dc); err != nil {
		return err
	}
	var sc smConfig
	if err := driver.DecodeConfig(sr.uuid, sr.params.SMConfig, &sc); err != nil {
		return err
	}

	for _, d := range strings.Split(dc.Device, ",") {
		if d = strings.TrimSpace(d); d != "" {
			sr.devices = append(sr.devices, d)
		}
	}
	if len(sr.devices) == 0 {
		return smerror.New(smerror.CodeConfigMissing, "missing configuration: device").WithObject(sr.uuid)
	}
	_, useVHD := sr.params.SMConfig["use_vhd"]
	sr.master = dc.Master
	sr.legacy = !useVHD
	sr.thin = sc.Allocation == entity.AllocationThin
	sr.cbt = sc.CBT
	sr.sm = sc
	sr.leafFormat = cowutil.FormatVHD
	if sc.VDIType != "" {
		sr.leafFormat = cowutil.Format(sc.VDIType)
	}

	sr.lock = lock.NewSRLock(sr.env.LockDir, sr.uuid, sr.env.LockTimeout)
	rc := refcount.New(sr.env.Refcount, sr.env.Hosts.ThisHost())
	sr.act = volume.NewActivator(sr.env.LVM, rc, sr.uuid)
	sr.journal = journal.New(sr.env.LVM, sr.act, sr.uuid, idgen.DefaultGenerator())
	sr.engine = chain.NewEngine(chain.Config{
		SRUUID:     sr.uuid,
		LVM:        sr.env.LVM,
		Activator:  sr.act,
		Journal:    sr.journal,
		Utils:      sr.env.Utils,
		LeafFormat: sr.leafFormat,
		Hosts:      sr.env.Hosts,
		CBT:        sr.env.CBT,
		CBTLogs:    sr.env.CBTLogs,
		Thin:       sr.thin,
		MaxChain:   sc.MaxChain,
	})
	sr.coalesce = coalesce.New(coalesce.Config{
		SRUUID:   sr.uuid,
		Engine:   sr.engine,
		Lock:     sr.lock,
		Interval: sr.env.CoalesceInterval,
	})
	sr.meta = metadata.New(sr.act.Path(lvm.MetadataLV), sr.uuid)

	sr.mu.Lock()
	sr.loaded = true
	sr.mu.Unlock()

	logger := sr.logger(ctx)
	logger.Debug().
		Strs("devices", sr.devices).
		Bool("master", sr.master).
		Bool("legacy", sr.legacy).
		Bool("thin", sr.thin).
		Msg("SR loaded")
	return nil
}

func (sr *SR) requireLoaded() error {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if !sr.loaded {
		return smerror.New(smerror.CodeInvalidArgument, "SR is not loaded").WithObject(sr.uuid)
	}
	return nil
}

func (sr *SR) requireAttached() error {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if !sr.attached {
		return smerror.New(smerror.CodeSRNotAttached, "SR is not attached").WithObject(sr.uuid)
	}
	return nil
}

func (sr *SR) requireMaster(op string) error {
	if !sr.master {
		return smerror.Newf(smerror.CodeNotMaster, "%s is only permitted on the master", op).WithObject(sr.uuid)
	}
	return nil
}

func (sr *SR) isAttached() bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.attached
}

// authoritativeMGT 元数据卷是否是 VDI 记录的唯一来源
func (sr *SR) authoritativeMGT() bool {
	return sr.legacy || sr.env.Records == nil
}

// Attach 激活卷组、回放日志，master 上保证元数据卷存在
func (sr *SR) Attach(ctx context.Context) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	logger := sr.logger(ctx)

	err := lock.WithLock(ctx, sr.lock, func() error {
		exists, err := sr.env.LVM.VGExists(ctx, sr.vg)
		if err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to query volume group", err).WithObject(sr.uuid)
		}
		if !exists {
			return smerror.Newf(smerror.CodeSRUnavailable, "volume group %s not found", sr.vg).WithObject(sr.uuid)
		}
		if err := sr.env.LVM.ActivateVG(ctx, sr.vg); err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to activate volume group", err).WithObject(sr.uuid)
		}
		if err := sr.replayJournals(ctx); err != nil {
			return err
		}
		if sr.master {
			return sr.ensureMetadata(ctx)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to attach SR")
		return err
	}

	sr.announce(ctx, true)
	sr.mu.Lock()
	sr.attached = true
	sr.mu.Unlock()

	logger.Info().Bool("master", sr.master).Msg("SR attached")
	return nil
}

// replayJournals 回放未完成的操作
//
// 先撤销未完成的克隆，这样加载出来的链才是一致的；然后加载链，再处理其他日志。
// slave 不修改卷，所有日志都留给 master。
func (sr *SR) replayJournals(ctx context.Context) error {
	keep := func(context.Context, journal.Entry) error { return journal.ErrKeep }
	handlers := map[journal.Kind]journal.Handler{
		journal.KindInflate:  keep,
		journal.KindClone:    keep,
		journal.KindCoalesce: keep,
		journal.KindResize:   keep,
	}
	if !sr.master {
		if _, err := sr.journal.Replay(ctx, handlers); err != nil {
			return err
		}
		_, err := sr.engine.Load(ctx)
		return err
	}

	handlers[journal.KindClone] = sr.engine.UndoClone
	undone, err := sr.journal.Replay(ctx, handlers)
	if err != nil {
		return err
	}
	if _, err := sr.engine.Load(ctx); err != nil {
		return err
	}

	handlers[journal.KindInflate] = sr.engine.UndoInflate
	handlers[journal.KindResize] = sr.engine.RedoResize
	handlers[journal.KindCoalesce] = func(ctx context.Context, e journal.Entry) error {
		return coalesce.Recover(ctx, sr.engine, e)
	}
	replayed, err := sr.journal.Replay(ctx, handlers)
	if err != nil {
		return err
	}
	if undone+replayed > 0 {
		logger := sr.logger(ctx)
		logger.Info().Int("journals", undone+replayed).Msg("Journals replayed")
	}
	return nil
}

// withMetadata 在元数据卷激活期间执行 fn
func (sr *SR) withMetadata(ctx context.Context, fn func() error) error {
	return sr.act.WithTemporary(ctx, lvm.MetadataLV, func(string) error {
		return fn()
	})
}

// ensureMetadata 元数据卷不存在时创建，存在时同步
func (sr *SR) ensureMetadata(ctx context.Context) error {
	exists, err := sr.env.LVM.LVExists(ctx, sr.vg, lvm.MetadataLV)
	if err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to query metadata volume", err).WithObject(sr.uuid)
	}
	if !exists {
		if err := sr.createMetadata(ctx); err != nil {
			return err
		}
		return sr.act.Activate(ctx, lvm.MetadataLV, refcount.Normal)
	}

	if err := sr.act.Activate(ctx, lvm.MetadataLV, refcount.Normal); err != nil {
		return err
	}
	return sr.syncMetadata(ctx)
}

func (sr *SR) createMetadata(ctx context.Context) error {
	if err := sr.env.LVM.CreateLV(ctx, sr.vg, lvm.MetadataLV, MetadataSize, nil); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to create metadata volume", err).WithObject(sr.uuid)
	}
	err := sr.withMetadata(ctx, func() error {
		return sr.meta.Format(ctx, sr.sm.Label, sr.sm.Description, metadata.Slots(MetadataSize))
	})
	if err != nil {
		return fmt.Errorf("failed to format metadata volume: %w", err)
	}
	logger := sr.logger(ctx)
	logger.Info().Msg("Metadata volume created")
	return nil
}

// syncMetadata 元数据卷不是权威来源时用记录库覆盖它，否则只校验它能读出
func (sr *SR) syncMetadata(ctx context.Context) error {
	return sr.withMetadata(ctx, func() error {
		if sr.authoritativeMGT() {
			_, err := sr.meta.Load(ctx)
			return err
		}
		vdis, err := sr.env.Records.ListVDIs(ctx, sr.uuid)
		if err != nil {
			return fmt.Errorf("failed to list VDI records: %w", err)
		}
		recs := make([]metadata.Record, 0, len(vdis))
		for _, v := range vdis {
			recs = append(recs, toRecord(v))
		}
		return sr.meta.Sync(ctx, recs)
	})
}

// Scan 刷新容量和 VDI 列表
func (sr *SR) Scan(ctx context.Context) error {
	if err := sr.requireAttached(); err != nil {
		return err
	}
	return lock.WithLock(ctx, sr.lock, func() error {
		return sr.scanLocked(ctx)
	})
}

func (sr *SR) scanLocked(ctx context.Context) error {
	logger := sr.logger(ctx)

	stats, err := sr.refreshStats(ctx)
	if err != nil {
		return err
	}
	if _, err := sr.engine.Load(ctx); err != nil {
		return err
	}
	records, err := sr.loadRecords(ctx)
	if err != nil {
		return err
	}
	if err := sr.rebuild(ctx, records); err != nil {
		return err
	}

	sr.mu.Lock()
	sr.stats = *stats
	sr.mu.Unlock()

	if sr.master {
		if err := sr.syncRecords(ctx); err != nil {
			return err
		}
		sr.kickCoalesce(ctx)
	}

	logger.Debug().
		Uint64("physical_size", stats.Size).
		Int("vdis", len(sr.VDIs())).
		Msg("SR scanned")
	return nil
}

// refreshStats 读取卷组容量，master 上发现设备扩容时先扩大 PV
func (sr *SR) refreshStats(ctx context.Context) (*lvm.VGStats, error) {
	stats, err := sr.env.LVM.VGStats(ctx, sr.vg)
	if err != nil {
		return nil, smerror.Wrap(smerror.CodeSRUnavailable, "failed to read volume group stats", err).WithObject(sr.uuid)
	}
	if !sr.master {
		return stats, nil
	}

	var total uint64
	for _, d := range sr.devices {
		size, err := sr.env.LVM.DeviceSize(ctx, d)
		if err != nil {
			return nil, smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to read size of %s", d), err).WithObject(sr.uuid)
		}
		total += size
	}
	// PV 元数据本身会占掉一部分设备空间，差一个 extent 以内不算扩容
	if total <= stats.PVSize+max(stats.ExtentSize, chain.ExtentSize) {
		return stats, nil
	}

	for _, d := range sr.devices {
		if err := sr.env.LVM.ResizePV(ctx, d); err != nil {
			return nil, smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to resize physical volume %s", d), err).WithObject(sr.uuid)
		}
	}
	grown, err := sr.env.LVM.VGStats(ctx, sr.vg)
	if err != nil {
		return nil, smerror.Wrap(smerror.CodeSRUnavailable, "failed to read volume group stats", err).WithObject(sr.uuid)
	}
	logger := sr.logger(ctx)
	logger.Info().Uint64("old_size", stats.PVSize).Uint64("new_size", grown.PVSize).Msg("Physical volume grown")
	return grown, nil
}

// loadRecords 从权威来源读出 VDI 记录
func (sr *SR) loadRecords(ctx context.Context) (map[string]entity.VirtualDiskImage, error) {
	records := make(map[string]entity.VirtualDiskImage)
	if !sr.authoritativeMGT() {
		vdis, err := sr.env.Records.ListVDIs(ctx, sr.uuid)
		if err != nil {
			return nil, fmt.Errorf("failed to list VDI records: %w", err)
		}
		for _, v := range vdis {
			records[v.UUID] = v
		}
		return records, nil
	}

	var recs []metadata.Record
	err := sr.withMetadata(ctx, func() error {
		var err error
		recs, err = sr.meta.Load(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		records[rec.UUID] = fromRecord(sr.uuid, rec)
	}
	return records, nil
}

// vdiFromNode 用链节点的状态覆盖记录
func (sr *SR) vdiFromNode(ctx context.Context, n chain.Node, rec entity.VirtualDiskImage) (entity.VirtualDiskImage, error) {
	v := rec
	v.UUID = n.ID
	v.SRUUID = sr.uuid
	v.LVName = n.LVName
	v.Path = sr.act.Path(n.LVName)
	v.VDIType = string(n.Type)
	v.Size = n.SizeVirt
	v.Utilisation = n.SizePhys
	if v.Utilisation == 0 {
		v.Utilisation = n.LVSize
	}
	v.Hidden = n.Hidden
	v.ParentUUID = n.ParentID

	total, err := sr.act.Counter().Total(ctx, sr.uuid, n.LVName)
	if err != nil {
		return v, err
	}
	v.Active = total.Normal > 0
	return v, nil
}

// rebuild 用当前的链重建 VDI 表，只包含非隐藏的卷
func (sr *SR) rebuild(ctx context.Context, records map[string]entity.VirtualDiskImage) error {
	vdis := make(map[string]entity.VirtualDiskImage)
	var virtual uint64
	for _, n := range sr.engine.Tree().Nodes() {
		if n.Hidden {
			continue
		}
		v, err := sr.vdiFromNode(ctx, n, records[n.ID])
		if err != nil {
			return err
		}
		vdis[n.ID] = v
		virtual += n.SizeVirt
	}

	sr.mu.Lock()
	sr.vdis = vdis
	sr.records = records
	sr.virtual = virtual
	sr.mu.Unlock()
	return nil
}

// syncRecords 把扫描结果写回记录库和元数据卷
func (sr *SR) syncRecords(ctx context.Context) error {
	vdis := sr.VDIs()
	if !sr.authoritativeMGT() {
		if err := sr.env.Records.SyncVDIs(ctx, sr.uuid, vdis); err != nil {
			return fmt.Errorf("failed to sync VDI records: %w", err)
		}
	}
	recs := make([]metadata.Record, 0, len(vdis))
	for _, v := range vdis {
		recs = append(recs, toRecord(v))
	}
	return sr.withMetadata(ctx, func() error {
		return sr.meta.Sync(ctx, recs)
	})
}

// kickCoalesce 有可回收或可合并的节点时唤醒后台合并
func (sr *SR) kickCoalesce(ctx context.Context) {
	if !sr.master {
		return
	}
	tree := sr.engine.Tree()
	_, garbage := coalesce.Garbage(tree)
	_, candidate := coalesce.Candidate(tree, 1)
	if !garbage && !candidate {
		return
	}
	sr.coalesce.Start(ctx)
	sr.coalesce.Kick()
}

// Detach 停止后台合并，移除卷组的所有映射项
// 任何映射项在重试后仍被打开时返回 DeviceBusy，SR 保持挂载
func (sr *SR) Detach(ctx context.Context) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	logger := sr.logger(ctx)

	// 合并步骤也要拿 SR 锁，必须在拿锁之前等它停下
	if err := sr.coalesce.Abort(); err != nil {
		logger.Warn().Err(err).Msg("Coalesce stopped with error")
	}

	err := lock.WithLock(ctx, sr.lock, func() error {
		return sr.detachLocked(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to detach SR")
		return err
	}

	sr.markDetached(ctx)
	logger.Info().Msg("SR detached")
	return nil
}

func (sr *SR) markDetached(ctx context.Context) {
	sr.announce(ctx, false)
	sr.mu.Lock()
	sr.attached = false
	sr.mu.Unlock()
}

// announce 把本机的挂载状态告诉其他主机，master 据此决定通知哪些主机
// 通告失败不影响本机的挂载或卸载
func (sr *SR) announce(ctx context.Context, attached bool) {
	t, ok := sr.env.Hosts.(attachTracker)
	if !ok {
		return
	}
	if err := t.Announce(ctx, sr.uuid, attached); err != nil {
		logger := sr.logger(ctx)
		logger.Warn().Err(err).Bool("attached", attached).Msg("Failed to announce attachment to peers")
	}
}

func (sr *SR) detachLocked(ctx context.Context) error {
	entries, err := sr.env.LVM.ListDevMapperEntries(ctx, sr.vg)
	if err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to list device-mapper entries", err).WithObject(sr.uuid)
	}
	if err := sr.waitClosed(ctx, entries); err != nil {
		return err
	}

	for _, path := range entries {
		if err := sr.env.LVM.RemoveDevMapperEntry(ctx, path, false); err != nil {
			return smerror.Wrap(smerror.CodeDeviceBusy, fmt.Sprintf("failed to remove %s", path), err).WithObject(sr.uuid)
		}
	}

	// 映射项都已移除，本机不再有打开者。计数里可能还留着崩溃前的值，
	// 所以直接清零本机的计数而不是逐个 Drop，其他主机的计数不动
	lvs := []string{lvm.MetadataLV}
	for _, n := range sr.engine.Tree().Nodes() {
		lvs = append(lvs, n.LVName)
	}
	for _, lv := range lvs {
		if err := sr.act.Forget(ctx, lv); err != nil {
			return err
		}
	}
	return nil
}

// waitClosed 等待所有映射项关闭，次数和间隔有限
func (sr *SR) waitClosed(ctx context.Context, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	logger := sr.logger(ctx)

	attempts := sr.env.DetachRetries
	if attempts <= 0 {
		attempts = defaultDetachRetries
	}
	delay := sr.env.DetachDelay
	if delay <= 0 {
		delay = defaultDetachDelay
	}

	var busy []string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			busy = busy[:0]
			for _, path := range entries {
				open, err := sr.env.LVM.HasOpenHandles(ctx, path)
				if err != nil {
					return err
				}
				if open {
					busy = append(busy, path)
				}
			}
			if len(busy) > 0 {
				return errBusy
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errBusy)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug().Int("attempt", attempt).Strs("busy", busy).Msg("Device-mapper entries still open")
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		return smerror.Newf(smerror.CodeDeviceBusy, "device-mapper entries still open: %s", strings.Join(busy, ", ")).WithObject(sr.uuid)
	}
	return smerror.Wrap(smerror.CodeSRUnavailable, "failed to check open device handles", err).WithObject(sr.uuid)
}

// Create 在设备上创建卷组和元数据卷
func (sr *SR) Create(ctx context.Context, size uint64) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	if err := sr.requireMaster("SR create"); err != nil {
		return err
	}
	logger := sr.logger(ctx)

	err := lock.WithLock(ctx, sr.lock, func() error {
		exists, err := sr.env.LVM.VGExists(ctx, sr.vg)
		if err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to query volume group", err).WithObject(sr.uuid)
		}
		if exists {
			return smerror.Newf(smerror.CodeInvalidArgument, "volume group %s already exists", sr.vg).WithObject(sr.uuid)
		}

		if size > 0 {
			var total uint64
			for _, d := range sr.devices {
				s, err := sr.env.LVM.DeviceSize(ctx, d)
				if err != nil {
					return smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to read size of %s", d), err).WithObject(sr.uuid)
				}
				total += s
			}
			if total < size {
				return smerror.Newf(smerror.CodeInvalidArgument, "devices provide %d bytes, %d requested", total, size).WithObject(sr.uuid)
			}
		}

		if err := sr.env.LVM.CreateVG(ctx, sr.vg, sr.devices); err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to create volume group", err).WithObject(sr.uuid)
		}
		return sr.createMetadata(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create SR")
		return err
	}
	logger.Info().Strs("devices", sr.devices).Msg("SR created")
	return nil
}

// Delete 删除空的 SR：卸载，删除所有逻辑卷和卷组
func (sr *SR) Delete(ctx context.Context) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	if err := sr.requireMaster("SR delete"); err != nil {
		return err
	}
	logger := sr.logger(ctx)

	if err := sr.coalesce.Abort(); err != nil {
		logger.Warn().Err(err).Msg("Coalesce stopped with error")
	}

	err := lock.WithLock(ctx, sr.lock, func() error {
		exists, err := sr.env.LVM.VGExists(ctx, sr.vg)
		if err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to query volume group", err).WithObject(sr.uuid)
		}
		if !exists {
			return smerror.Newf(smerror.CodeSRNotFound, "volume group %s not found", sr.vg).WithObject(sr.uuid)
		}

		tree, err := sr.engine.Load(ctx)
		if err != nil {
			return err
		}
		var visible []string
		for _, n := range tree.Nodes() {
			if !n.Hidden {
				visible = append(visible, n.ID)
			}
		}
		if len(visible) > 0 {
			return smerror.Newf(smerror.CodeSRNotEmpty, "SR still contains VDIs %s", strings.Join(visible, ", ")).WithObject(sr.uuid)
		}

		if err := sr.detachLocked(ctx); err != nil {
			return err
		}
		return sr.removeVolumes(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to delete SR")
		return err
	}

	if sr.env.Records != nil {
		if err := sr.env.Records.SyncVDIs(ctx, sr.uuid, nil); err != nil {
			return fmt.Errorf("failed to clear VDI records: %w", err)
		}
	}
	sr.markDetached(ctx)
	sr.mu.Lock()
	sr.vdis = make(map[string]entity.VirtualDiskImage)
	sr.records = make(map[string]entity.VirtualDiskImage)
	sr.mu.Unlock()

	logger.Info().Msg("SR deleted")
	return nil
}

// removeVolumes 删除卷组里剩下的逻辑卷和卷组本身，卷组忙时重试一次
func (sr *SR) removeVolumes(ctx context.Context) error {
	lvs, err := sr.env.LVM.ListLVs(ctx, sr.vg)
	if err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to list volumes", err).WithObject(sr.uuid)
	}
	for _, lv := range lvs {
		if err := sr.env.LVM.RemoveLV(ctx, sr.vg, lv.Name); err != nil && !errors.Is(err, lvm.ErrNotFound) {
			return smerror.Wrap(smerror.CodeDeviceBusy, fmt.Sprintf("failed to remove %s", lv.Name), err).WithObject(sr.uuid)
		}
	}

	delay := sr.env.DetachDelay
	if delay <= 0 {
		delay = defaultDetachDelay
	}
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return sr.env.LVM.RemoveVG(ctx, sr.vg, sr.devices)
		},
		Attempts: 2,
		Delay:    delay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return smerror.Wrap(smerror.CodeDeviceBusy, "failed to remove volume group", err).WithObject(sr.uuid)
	}
	return nil
}

type probeSR struct {
	UUID    string `xml:"UUID"`
	Devlist string `xml:"Devlist"`
	Size    uint64 `xml:"size"`
}

type probeList struct {
	XMLName xml.Name  `xml:"SRlist"`
	SRs     []probeSR `xml:"SR"`
}

// Probe 列出配置的设备上已有的 SR
func (sr *SR) Probe(ctx context.Context) (string, error) {
	if err := sr.requireLoaded(); err != nil {
		return "", err
	}

	found := make(map[string][]string)
	for _, d := range sr.devices {
		vg, err := sr.env.LVM.DeviceVG(ctx, d)
		if err != nil {
			return "", smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to probe %s", d), err).WithObject(sr.uuid)
		}
		if id, ok := lvm.SRUUIDFromVG(vg); ok {
			found[id] = append(found[id], d)
		}
	}

	list := probeList{SRs: make([]probeSR, 0, len(found))}
	for id, devs := range found {
		stats, err := sr.env.LVM.VGStats(ctx, lvm.VGName(id))
		if err != nil {
			return "", smerror.Wrap(smerror.CodeSRUnavailable, "failed to read volume group stats", err).WithObject(id)
		}
		list.SRs = append(list.SRs, probeSR{UUID: id, Devlist: strings.Join(devs, ","), Size: stats.Size})
	}
	sort.Slice(list.SRs, func(i, j int) bool { return list.SRs[i].UUID < list.SRs[j].UUID })

	out, err := xml.MarshalIndent(list, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode probe result: %w", err)
	}
	return xml.Header + string(out), nil
}

// VDI 返回 VDI 句柄
func (sr *SR) VDI(ctx context.Context, uuid string) (driver.VDI, error) {
	if err := sr.requireLoaded(); err != nil {
		return nil, err
	}
	if uuid == "" {
		return nil, smerror.New(smerror.CodeInvalidArgument, "empty VDI uuid").WithObject(sr.uuid)
	}
	return &vdi{sr: sr, uuid: uuid}, nil
}

// Info 实现 driver.SR
func (sr *SR) Info() entity.StorageRepository {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	alloc := entity.AllocationThick
	if sr.thin {
		alloc = entity.AllocationThin
	}
	return entity.StorageRepository{
		UUID:                sr.uuid,
		Type:                Type,
		VGName:              sr.vg,
		Devices:             append([]string(nil), sr.devices...),
		IsMaster:            sr.master,
		LegacyMode:          sr.legacy,
		Allocation:          alloc,
		Attached:            sr.attached,
		PhysicalSize:        sr.stats.Size,
		PhysicalUtilisation: sr.stats.Size - sr.stats.Free,
		VirtualAllocation:   sr.virtual,
		SMConfig:            sr.params.SMConfig,
		VDICount:            len(sr.vdis),
	}
}

// VDIs 实现 driver.SR
func (sr *SR) VDIs() []entity.VirtualDiskImage {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]entity.VirtualDiskImage, 0, len(sr.vdis))
	for _, v := range sr.vdis {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (sr *SR) lookup(uuid string) (entity.VirtualDiskImage, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	v, ok := sr.vdis[uuid]
	return v, ok
}

func (sr *SR) vdiNotFound(uuid string) error {
	return smerror.Newf(smerror.CodeVDINotFound, "VDI %s not found in SR %s", uuid, sr.uuid).WithObject(uuid)
}

// commit 保存节点对应 VDI 的记录并更新 VDI 表
func (sr *SR) commit(ctx context.Context, n chain.Node, rec entity.VirtualDiskImage) (entity.VirtualDiskImage, error) {
	v, err := sr.vdiFromNode(ctx, n, rec)
	if err != nil {
		return v, err
	}
	if !sr.authoritativeMGT() {
		if err := sr.env.Records.SaveVDI(ctx, &v); err != nil {
			return v, fmt.Errorf("failed to save VDI record: %w", err)
		}
	}
	err = sr.withMetadata(ctx, func() error {
		return sr.meta.Write(ctx, toRecord(v))
	})
	if err != nil {
		return v, fmt.Errorf("failed to write metadata record: %w", err)
	}

	sr.mu.Lock()
	sr.records[v.UUID] = v
	if v.Hidden {
		delete(sr.vdis, v.UUID)
	} else {
		sr.vdis[v.UUID] = v
	}
	sr.virtual = 0
	for _, vv := range sr.vdis {
		sr.virtual += vv.Size
	}
	sr.mu.Unlock()
	return v, nil
}

// forget 删除 VDI 的记录
func (sr *SR) forget(ctx context.Context, uuid string) error {
	if !sr.authoritativeMGT() {
		if err := sr.env.Records.DeleteVDI(ctx, sr.uuid, uuid); err != nil {
			return fmt.Errorf("failed to delete VDI record: %w", err)
		}
	}
	err := sr.withMetadata(ctx, func() error {
		return sr.meta.Delete(ctx, uuid)
	})
	if err != nil {
		return fmt.Errorf("failed to delete metadata record: %w", err)
	}

	sr.mu.Lock()
	if v, ok := sr.vdis[uuid]; ok {
		sr.virtual -= v.Size
	}
	delete(sr.vdis, uuid)
	delete(sr.records, uuid)
	sr.mu.Unlock()
	return nil
}

// Stop 停止后台合并，守护进程退出时调用
func (sr *SR) Stop() error {
	if sr.coalesce == nil {
		return nil
	}
	return sr.coalesce.Abort()
}

// RefreshVolume 重新加载逻辑卷的映射，master 修改了卷大小后由对端调用
func (sr *SR) RefreshVolume(ctx context.Context, lvName string) error {
	if err := sr.requireAttached(); err != nil {
		return err
	}
	if err := sr.env.LVM.RefreshLV(ctx, sr.vg, lvName); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to refresh %s", lvName), err).WithObject(sr.uuid)
	}
	return nil
}

// ChainUpdated master 修改了链之后重新加载本机的视图
func (sr *SR) ChainUpdated(ctx context.Context, vdiUUID, parentUUID string) error {
	if err := sr.requireAttached(); err != nil {
		return err
	}
	err := lock.WithLock(ctx, sr.lock, func() error {
		if _, err := sr.engine.Load(ctx); err != nil {
			return err
		}
		sr.mu.RLock()
		records := maps.Clone(sr.records)
		sr.mu.RUnlock()
		return sr.rebuild(ctx, records)
	})
	if err != nil {
		return err
	}
	logger := sr.logger(ctx)
	logger.Debug().Str("vdi_uuid", vdiUUID).Str("parent_uuid", parentUUID).Msg("Chain reloaded")
	return nil
}
