package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/volume"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

const (
	// ExtentSize 逻辑卷按 LVM extent 对齐
	ExtentSize = 4 << 20
	// DefaultMaxChain 链上最多的节点数，与 VHD 的限制一致
	DefaultMaxChain = 30
)

// LogTool 创建和维护 CBT 日志的本机工具
type LogTool interface {
	Create(ctx context.Context, logPath string, size uint64) error
	SetParent(ctx context.Context, logPath, parentUUID string) error
}

// Config 创建 Engine 的参数
type Config struct {
	SRUUID    string
	LVM       lvm.LVMClient
	Activator *volume.Activator
	Journal   *journal.Journaler
	// Utils 每种 CoW 格式对应的工具
	Utils map[cowutil.Format]cowutil.Util
	// LeafFormat raw 卷快照时新叶子使用的格式
	LeafFormat cowutil.Format
	Hosts      cluster.Hosts
	CBT        cbtutil.Linker
	CBTLogs    LogTool
	// Thin 为 true 时叶子只在挂载可写时扩容到完整大小
	Thin     bool
	MaxChain int
}

// Engine 在 SR 的卷上执行链的结构性修改
// 调用者负责持有 SR 锁并确认本机是 master
type Engine struct {
	srUUID     string
	vg         string
	lvm        lvm.LVMClient
	act        *volume.Activator
	journal    *journal.Journaler
	utils      map[cowutil.Format]cowutil.Util
	leafFormat cowutil.Format
	hosts      cluster.Hosts
	cbt        cbtutil.Linker
	cbtLogs    LogTool
	thin       bool
	maxChain   int
	tree       *Tree
}

// NewEngine 创建链引擎
func NewEngine(cfg Config) *Engine {
	maxChain := cfg.MaxChain
	if maxChain <= 0 {
		maxChain = DefaultMaxChain
	}
	leafFormat := cfg.LeafFormat
	if leafFormat == "" {
		leafFormat = cowutil.FormatVHD
	}
	return &Engine{
		srUUID:     cfg.SRUUID,
		vg:         lvm.VGName(cfg.SRUUID),
		lvm:        cfg.LVM,
		act:        cfg.Activator,
		journal:    cfg.Journal,
		utils:      cfg.Utils,
		leafFormat: leafFormat,
		hosts:      cfg.Hosts,
		cbt:        cfg.CBT,
		cbtLogs:    cfg.CBTLogs,
		thin:       cfg.Thin,
		maxChain:   maxChain,
		tree:       NewTree(),
	}
}

// Tree 当前的链视图
func (e *Engine) Tree() *Tree {
	return e.tree
}

// Journal SR 的日志
func (e *Engine) Journal() *journal.Journaler {
	return e.journal
}

// Activator SR 的卷激活器
func (e *Engine) Activator() *volume.Activator {
	return e.act
}

// Thin 是否按需扩容
func (e *Engine) Thin() bool {
	return e.thin
}

// Util 返回格式对应的工具，raw 卷返回 nil
func (e *Engine) Util(format cowutil.Format) (cowutil.Util, error) {
	if !format.IsCoW() {
		return nil, nil
	}
	u, ok := e.utils[format]
	if !ok {
		return nil, smerror.Newf(smerror.CodeUnsupported, "no tool for format %s", format).WithObject(e.srUUID)
	}
	return u, nil
}

// Path 返回节点的设备路径
func (e *Engine) Path(n Node) string {
	return e.act.Path(n.LVName)
}

func (e *Engine) notFound(id string) error {
	return smerror.Newf(smerror.CodeVDINotFound, "volume %s not found in SR %s", id, e.srUUID).WithObject(id)
}

// Load 从卷组重新构建链视图
// CoW 卷的父节点和 hidden 标记从镜像头部读出，没有 hidden 标记的格式用 LV tag
func (e *Engine) Load(ctx context.Context) (*Tree, error) {
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", e.srUUID).Logger()

	lvs, err := e.lvm.ListLVs(ctx, e.vg)
	if err != nil {
		return nil, smerror.Wrap(smerror.CodeSRUnavailable, "failed to list volumes", err).WithObject(e.srUUID)
	}

	tree := NewTree()
	for _, lv := range lvs {
		vdiType, id, ok := lvm.ParseLVName(lv.Name)
		if !ok {
			continue
		}

		node := Node{
			ID:     id,
			LVName: lv.Name,
			Type:   cowutil.Format(vdiType),
			Hidden: lv.Hidden(),
			LVSize: lv.Size,
		}
		if err := e.readHeader(ctx, &node); err != nil {
			return nil, err
		}
		if err := tree.Insert(node); err != nil {
			return nil, smerror.Wrap(smerror.CodeMetadataCorrupt, "inconsistent volume chain", err).WithObject(id)
		}
	}

	e.tree = tree
	logger.Debug().Int("volumes", tree.Len()).Msg("Chain loaded")
	return tree, nil
}

func (e *Engine) readHeader(ctx context.Context, node *Node) error {
	util, err := e.Util(node.Type)
	if err != nil {
		return err
	}
	if util == nil {
		node.SizeVirt = node.LVSize
		node.SizePhys = node.LVSize
		return nil
	}

	return e.act.WithTemporary(ctx, node.LVName, func(path string) error {
		info, err := util.GetInfo(ctx, path)
		if err != nil {
			return smerror.Wrap(smerror.CodeMetadataCorrupt, fmt.Sprintf("failed to read header of %s", node.LVName), err).WithObject(node.ID)
		}
		node.SizeVirt = info.SizeVirt
		node.SizePhys = info.SizePhys
		node.Hidden = node.Hidden || info.Hidden
		if info.ParentPath != "" {
			_, parentID, ok := lvm.ParseLVName(filepath.Base(info.ParentPath))
			if !ok {
				return smerror.Newf(smerror.CodeMetadataCorrupt, "unrecognised parent %s of %s", info.ParentPath, node.LVName).WithObject(node.ID)
			}
			node.ParentID = parentID
		}
		return nil
	})
}

// Depth 从镜像头部重新读取链深度，根为 0
func (e *Engine) Depth(ctx context.Context, n Node) (int, error) {
	util, err := e.Util(n.Type)
	if err != nil || util == nil {
		return 0, err
	}
	var depth int
	err = e.act.WithTemporary(ctx, n.LVName, func(path string) error {
		d, err := util.GetDepth(ctx, path)
		depth = d
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", n.LVName, err)
	}
	return depth, nil
}

func (e *Engine) leafSize(util cowutil.Util, sizeVirt uint64) uint64 {
	if util == nil {
		return cowutil.RoundUp(sizeVirt, ExtentSize)
	}
	if e.thin {
		return cowutil.RoundUp(util.EmptySize(sizeVirt), ExtentSize)
	}
	return cowutil.RoundUp(util.FullSize(sizeVirt), ExtentSize)
}

// Create 创建一个新的根卷
func (e *Engine) Create(ctx context.Context, id string, format cowutil.Format, sizeVirt uint64) (Node, error) {
	if _, ok := e.tree.Get(id); ok {
		return Node{}, smerror.Newf(smerror.CodeInvalidArgument, "volume %s already exists", id).WithObject(id)
	}
	util, err := e.Util(format)
	if err != nil {
		return Node{}, err
	}

	lvName := lvm.LVName(string(format), id)
	if lvName == "" {
		return Node{}, smerror.Newf(smerror.CodeUnsupported, "unknown volume type %s", format).WithObject(id)
	}
	node := Node{ID: id, LVName: lvName, Type: format, SizeVirt: sizeVirt, LVSize: e.leafSize(util, sizeVirt)}
	if util != nil {
		if limit := maxSize(util); limit > 0 && sizeVirt > limit {
			return Node{}, smerror.Newf(smerror.CodeInvalidArgument, "size %d exceeds the maximum %d", sizeVirt, limit).WithObject(id)
		}
		node.SizeVirt = cowutil.RoundUp(sizeVirt, 2<<20)
	} else {
		node.SizeVirt = node.LVSize
	}

	if err := e.lvm.CreateLV(ctx, e.vg, lvName, node.LVSize, nil); err != nil {
		return Node{}, smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to create %s", lvName), err).WithObject(id)
	}
	if util != nil {
		err := e.act.WithTemporary(ctx, lvName, func(path string) error {
			if err := util.Create(ctx, path, node.SizeVirt); err != nil {
				return err
			}
			info, err := util.GetInfo(ctx, path)
			if err != nil {
				return err
			}
			node.SizePhys = info.SizePhys
			return nil
		})
		if err != nil {
			if rmErr := e.lvm.RemoveLV(ctx, e.vg, lvName); rmErr != nil {
				zerolog.Ctx(ctx).Error().Err(rmErr).Str("lv_name", lvName).Msg("Failed to remove volume after create failure")
			}
			return Node{}, smerror.Wrap(smerror.CodeInternal, fmt.Sprintf("failed to create image on %s", lvName), err).WithObject(id)
		}
	} else {
		node.SizePhys = node.LVSize
		if _, err := e.act.DeactivateIfUnused(ctx, lvName); err != nil {
			return Node{}, err
		}
	}

	if err := e.tree.Insert(node); err != nil {
		return Node{}, err
	}
	zerolog.Ctx(ctx).Info().Str("sr_uuid", e.srUUID).Str("vdi_uuid", id).Uint64("size", node.SizeVirt).Msg("Volume created")
	return node, nil
}

// maxSize 目前只有 VHD 有大小上限
func maxSize(util cowutil.Util) uint64 {
	if util.Format() == cowutil.FormatVHD {
		return 2040 << 30
	}
	return 0
}

// Delete 删除叶子卷
// 还有子节点的卷只标记为 hidden，由 coalesce 回收
func (e *Engine) Delete(ctx context.Context, id string) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}

	total, err := e.act.Counter().Total(ctx, e.srUUID, node.LVName)
	if err != nil {
		return err
	}
	if total.Normal > 0 {
		return smerror.Newf(smerror.CodeVDIInUse, "volume %s is attached", id).WithObject(id)
	}

	if len(e.tree.Children(id)) > 0 {
		return e.SetHidden(ctx, id, true)
	}
	return e.RemoveNode(ctx, id)
}

// RemoveNode 删除没有子节点的卷以及它的引用计数
func (e *Engine) RemoveNode(ctx context.Context, id string) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return nil
	}
	if children := e.tree.Children(id); len(children) > 0 {
		return smerror.Newf(smerror.CodeVDIInUse, "volume %s still has children %v", id, children).WithObject(id)
	}

	if err := e.lvm.RemoveLV(ctx, e.vg, node.LVName); err != nil && !errors.Is(err, lvm.ErrNotFound) {
		return smerror.Wrap(smerror.CodeDeviceBusy, fmt.Sprintf("failed to remove %s", node.LVName), err).WithObject(id)
	}
	if err := e.act.Forget(ctx, node.LVName); err != nil {
		return err
	}
	if err := e.tree.Remove(id); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("sr_uuid", e.srUUID).Str("vdi_uuid", id).Msg("Volume removed")
	return nil
}

// SetHidden 修改卷的 hidden 标记
func (e *Engine) SetHidden(ctx context.Context, id string, hidden bool) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}
	if err := e.setHidden(ctx, node, hidden); err != nil {
		return err
	}
	node.Hidden = hidden
	return e.tree.Update(node)
}

func (e *Engine) setHidden(ctx context.Context, node Node, hidden bool) error {
	util, err := e.Util(node.Type)
	if err != nil {
		return err
	}
	if util != nil {
		err := e.act.WithTemporary(ctx, node.LVName, func(path string) error {
			return util.SetHidden(ctx, path, hidden)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, cowutil.ErrNoHiddenFlag) {
			return fmt.Errorf("failed to set hidden on %s: %w", node.LVName, err)
		}
	}

	if hidden {
		err = e.lvm.AddTag(ctx, e.vg, node.LVName, lvm.HiddenTag)
	} else {
		err = e.lvm.RemoveTag(ctx, e.vg, node.LVName, lvm.HiddenTag)
	}
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", node.LVName, err)
	}
	return nil
}

// Inflate 把卷扩容到 size，先写 inflate 日志再修改卷
func (e *Engine) Inflate(ctx context.Context, id string, size uint64) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}
	size = cowutil.RoundUp(size, ExtentSize)
	if node.LVSize >= size {
		return nil
	}

	// 回放 resize 日志时上一次的 inflate 日志可能还在，沿用它记录的原大小
	pending, err := e.journal.Get(ctx, journal.KindInflate, id)
	if err != nil {
		return err
	}
	if pending == nil {
		if _, err := e.journal.Create(ctx, journal.KindInflate, id, strconv.FormatUint(node.LVSize, 10)); err != nil {
			return err
		}
	}
	if err := e.resizeVolume(ctx, &node, size); err != nil {
		return err
	}
	if err := cluster.RefreshOnSlaves(ctx, e.hosts, e.srUUID, node.LVName); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to refresh inflated volume on slaves", err).WithObject(id)
	}
	if err := e.journal.Remove(ctx, journal.KindInflate, id); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("sr_uuid", e.srUUID).Str("vdi_uuid", id).Uint64("size", size).Msg("Volume inflated")
	return e.tree.Update(node)
}

// Deflate 把卷收缩到 size，不会小于镜像实际占用的空间
func (e *Engine) Deflate(ctx context.Context, id string, size uint64) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}
	if err := e.deflate(ctx, &node, size); err != nil {
		return err
	}
	if err := cluster.RefreshOnSlaves(ctx, e.hosts, e.srUUID, node.LVName); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to refresh deflated volume on slaves", err).WithObject(id)
	}
	return e.tree.Update(node)
}

func (e *Engine) deflate(ctx context.Context, node *Node, size uint64) error {
	util, err := e.Util(node.Type)
	if err != nil {
		return err
	}
	if util == nil {
		return nil
	}

	var phys uint64
	err = e.act.WithTemporary(ctx, node.LVName, func(path string) error {
		info, err := util.GetInfo(ctx, path)
		if err != nil {
			return err
		}
		phys = info.SizePhys
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read %s before deflate: %w", node.LVName, err)
	}

	size = cowutil.RoundUp(max(size, phys), ExtentSize)
	if size >= node.LVSize {
		return nil
	}
	return e.resizeVolume(ctx, node, size)
}

// resizeVolume 修改卷大小并移动镜像的物理边界
// 扩容先扩卷再移 footer，收缩先移 footer 再缩卷
func (e *Engine) resizeVolume(ctx context.Context, node *Node, size uint64) error {
	util, err := e.Util(node.Type)
	if err != nil {
		return err
	}
	setPhys := func() error {
		if util == nil {
			return nil
		}
		return e.act.WithTemporary(ctx, node.LVName, func(path string) error {
			return util.SetSizePhys(ctx, path, size)
		})
	}

	grow := size > node.LVSize
	if !grow {
		if err := setPhys(); err != nil {
			return fmt.Errorf("failed to move footer of %s: %w", node.LVName, err)
		}
	}
	if err := e.lvm.ResizeLV(ctx, e.vg, node.LVName, size); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to resize %s", node.LVName), err).WithObject(node.ID)
	}
	if grow {
		if err := setPhys(); err != nil {
			return fmt.Errorf("failed to move footer of %s: %w", node.LVName, err)
		}
	}
	node.LVSize = size
	return nil
}

// UndoInflate 回放 inflate 日志：收缩回日志记录的大小并刷新其他主机
func (e *Engine) UndoInflate(ctx context.Context, entry journal.Entry) error {
	oldSize, err := strconv.ParseUint(entry.Payload, 10, 64)
	if err != nil {
		return smerror.Wrap(smerror.CodeJournalReplayFailure, "invalid inflate journal", err).WithObject(entry.Target)
	}
	if _, ok := e.tree.Get(entry.Target); !ok {
		// 卷已经被删除
		return nil
	}
	return e.Deflate(ctx, entry.Target, oldSize)
}

// Resize 扩大卷的虚拟大小，不支持缩小
func (e *Engine) Resize(ctx context.Context, id string, sizeVirt uint64) (Node, error) {
	node, ok := e.tree.Get(id)
	if !ok {
		return Node{}, e.notFound(id)
	}
	if sizeVirt < node.SizeVirt {
		return Node{}, smerror.Newf(smerror.CodeInvalidArgument, "shrinking %s from %d to %d is not supported", id, node.SizeVirt, sizeVirt).WithObject(id)
	}
	if sizeVirt == node.SizeVirt {
		return node, nil
	}

	util, err := e.Util(node.Type)
	if err != nil {
		return Node{}, err
	}
	if util == nil {
		size := cowutil.RoundUp(sizeVirt, ExtentSize)
		if err := e.resizeVolume(ctx, &node, size); err != nil {
			return Node{}, err
		}
		node.SizeVirt, node.SizePhys = size, size
		if err := cluster.RefreshOnSlaves(ctx, e.hosts, e.srUUID, node.LVName); err != nil {
			return Node{}, smerror.Wrap(smerror.CodeSRUnavailable, "failed to refresh resized volume on slaves", err).WithObject(id)
		}
		return node, e.tree.Update(node)
	}

	sizeVirt = cowutil.RoundUp(sizeVirt, 2<<20)
	if _, err := e.journal.Create(ctx, journal.KindResize, id, strconv.FormatUint(sizeVirt, 10)); err != nil {
		return Node{}, err
	}
	if err := e.finishResize(ctx, node.ID, sizeVirt); err != nil {
		return Node{}, err
	}
	if err := e.journal.Remove(ctx, journal.KindResize, id); err != nil {
		return Node{}, err
	}
	node, _ = e.tree.Get(id)
	zerolog.Ctx(ctx).Info().Str("sr_uuid", e.srUUID).Str("vdi_uuid", id).Uint64("size", sizeVirt).Msg("Volume resized")
	return node, nil
}

// finishResize 保证卷足够大并把镜像的虚拟大小设为 sizeVirt，重复执行没有副作用
func (e *Engine) finishResize(ctx context.Context, id string, sizeVirt uint64) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}
	util, err := e.Util(node.Type)
	if err != nil {
		return err
	}

	need := util.EmptySize(sizeVirt)
	if !e.thin || e.isAttachedWritable(ctx, node) {
		need = util.FullSize(sizeVirt)
	}
	if err := e.Inflate(ctx, id, need); err != nil {
		return err
	}
	node, _ = e.tree.Get(id)

	if node.SizeVirt != sizeVirt {
		err := e.act.WithTemporary(ctx, node.LVName, func(path string) error {
			return util.SetSizeVirt(ctx, path, sizeVirt)
		})
		if err != nil {
			return smerror.Wrap(smerror.CodeInternal, fmt.Sprintf("failed to resize image %s", node.LVName), err).WithObject(id)
		}
		node.SizeVirt = sizeVirt
	}
	return e.tree.Update(node)
}

func (e *Engine) isAttachedWritable(ctx context.Context, node Node) bool {
	total, err := e.act.Counter().Total(ctx, e.srUUID, node.LVName)
	return err == nil && total.Normal > 0
}

// RedoResize 回放 resize 日志：把未完成的扩容做完
func (e *Engine) RedoResize(ctx context.Context, entry journal.Entry) error {
	sizeVirt, err := strconv.ParseUint(entry.Payload, 10, 64)
	if err != nil {
		return smerror.Wrap(smerror.CodeJournalReplayFailure, "invalid resize journal", err).WithObject(entry.Target)
	}
	if _, ok := e.tree.Get(entry.Target); !ok {
		return nil
	}
	return e.finishResize(ctx, entry.Target, sizeVirt)
}

// Relink 把子节点的父节点改为 parentID，并通知所有挂载主机
func (e *Engine) Relink(ctx context.Context, childID, parentID string) error {
	child, ok := e.tree.Get(childID)
	if !ok {
		return e.notFound(childID)
	}
	parent, ok := e.tree.Get(parentID)
	if !ok {
		return e.notFound(parentID)
	}
	util, err := e.Util(child.Type)
	if err != nil {
		return err
	}
	if util == nil {
		return smerror.Newf(smerror.CodeInvalidArgument, "raw volume %s cannot have a parent", childID).WithObject(childID)
	}

	err = e.act.WithTemporary(ctx, parent.LVName, func(parentPath string) error {
		return e.act.WithTemporary(ctx, child.LVName, func(childPath string) error {
			return util.SetParent(ctx, childPath, parentPath, !parent.Type.IsCoW())
		})
	})
	if err != nil {
		return fmt.Errorf("failed to relink %s to %s: %w", childID, parentID, err)
	}
	if err := e.tree.SetParent(childID, parentID); err != nil {
		return err
	}
	return cluster.NotifyAll(ctx, e.hosts, e.srUUID, childID, parentID)
}

// ActivateLeaf 以 Normal 身份激活卷，thin 模式下可写挂载需要先扩容
func (e *Engine) ActivateLeaf(ctx context.Context, id string, writable bool) (string, error) {
	node, ok := e.tree.Get(id)
	if !ok {
		return "", e.notFound(id)
	}
	if writable && e.thin {
		util, err := e.Util(node.Type)
		if err != nil {
			return "", err
		}
		if util != nil {
			if err := e.Inflate(ctx, id, util.FullSize(node.SizeVirt)); err != nil {
				return "", err
			}
		}
	}

	lvs := e.chainLVs(id)
	for i, lv := range lvs {
		if err := e.act.Activate(ctx, lv, refcount.Normal); err != nil {
			for _, done := range lvs[:i] {
				if _, derr := e.act.Deactivate(ctx, done, refcount.Normal); derr != nil {
					zerolog.Ctx(ctx).Error().Err(derr).Str("lv_name", done).Msg("Failed to roll back activation")
				}
			}
			return "", err
		}
	}
	return e.act.Path(node.LVName), nil
}

// DeactivateLeaf 释放 ActivateLeaf 的引用，thin 模式下收缩回实际占用
func (e *Engine) DeactivateLeaf(ctx context.Context, id string) error {
	node, ok := e.tree.Get(id)
	if !ok {
		return e.notFound(id)
	}
	for _, lv := range e.chainLVs(id) {
		if _, err := e.act.Deactivate(ctx, lv, refcount.Normal); err != nil {
			return err
		}
	}
	if e.thin && !e.isAttachedWritable(ctx, node) {
		return e.Deflate(ctx, id, 0)
	}
	return nil
}

// chainLVs 从叶子到根的卷名
func (e *Engine) chainLVs(id string) []string {
	var lvs []string
	seen := map[string]bool{}
	for cur, ok := e.tree.Get(id); ok && !seen[cur.ID]; cur, ok = e.tree.Parent(cur.ID) {
		seen[cur.ID] = true
		lvs = append(lvs, cur.LVName)
	}
	return lvs
}
