package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

// SnapshotType 快照类型
type SnapshotType string

const (
	// SnapshotDouble 原卷变成隐藏的基础卷，创建两个叶子：原 UUID 的新叶子和克隆/快照
	SnapshotDouble SnapshotType = "double"
	// SnapshotSingle 原卷变成只读的快照本身，只创建原 UUID 的新叶子
	SnapshotSingle SnapshotType = "single"
)

// SnapshotOptions 快照参数
type SnapshotOptions struct {
	Type SnapshotType
	// CBT 为 true 时把 CBT 日志链接到新的叶子
	CBT bool
}

// CloneResult 克隆或快照的结果
type CloneResult struct {
	// Leaf 原 UUID 的新叶子
	Leaf Node
	// Base 保存原数据的卷
	Base Node
	// Clone 新的克隆或快照，single 快照时为 nil
	Clone *Node
	// Depth 新叶子的深度，从镜像头部读出
	Depth int
}

type clonePayload struct {
	OrigLV  string
	BaseLV  string
	LeafLV  string
	CloneLV string
	Type    SnapshotType
	// CBTSnapshot 接管叶子 CBT 日志的快照，未启用 CBT 时为空
	CBTSnapshot string
	// CBTMoved 叶子原来有 CBT 日志，会被改名给快照
	CBTMoved bool
}

const cbtMoved = "moved"

func (p clonePayload) encode() string {
	parts := []string{p.OrigLV, p.BaseLV, p.LeafLV, p.CloneLV, string(p.Type)}
	if p.CBTSnapshot != "" {
		moved := ""
		if p.CBTMoved {
			moved = cbtMoved
		}
		parts = append(parts, p.CBTSnapshot, moved)
	}
	return strings.Join(parts, ":")
}

func decodeClonePayload(s string) (clonePayload, error) {
	parts := strings.Split(s, ":")
	if (len(parts) != 5 && len(parts) != 7) || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return clonePayload{}, fmt.Errorf("malformed clone journal %q", s)
	}
	p := clonePayload{OrigLV: parts[0], BaseLV: parts[1], LeafLV: parts[2], CloneLV: parts[3], Type: SnapshotType(parts[4])}
	if len(parts) == 7 {
		if parts[5] == "" {
			return clonePayload{}, fmt.Errorf("malformed clone journal %q", s)
		}
		p.CBTSnapshot = parts[5]
		p.CBTMoved = parts[6] == cbtMoved
	}
	return p, nil
}

// Clone 克隆卷，返回的 Clone 是新的可写卷
func (e *Engine) Clone(ctx context.Context, id string) (*CloneResult, error) {
	return e.snapshot(ctx, id, SnapshotOptions{Type: SnapshotDouble})
}

// Snapshot 给卷打快照，返回的 Clone 是快照卷（single 类型时是 Base）
func (e *Engine) Snapshot(ctx context.Context, id string, opts SnapshotOptions) (*CloneResult, error) {
	if opts.Type == "" {
		opts.Type = SnapshotDouble
	}
	if opts.Type != SnapshotDouble && opts.Type != SnapshotSingle {
		return nil, smerror.Newf(smerror.CodeInvalidArgument, "unknown snapshot type %s", opts.Type).WithObject(id)
	}
	return e.snapshot(ctx, id, opts)
}

func (e *Engine) snapshot(ctx context.Context, id string, opts SnapshotOptions) (*CloneResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", e.srUUID).Str("vdi_uuid", id).Logger()

	src, ok := e.tree.Get(id)
	if !ok {
		return nil, e.notFound(id)
	}
	if src.Hidden {
		return nil, smerror.Newf(smerror.CodeInvalidArgument, "volume %s is hidden", id).WithObject(id)
	}
	if children := e.tree.Children(id); len(children) > 0 {
		return nil, smerror.Newf(smerror.CodeInvalidArgument, "volume %s is not a leaf", id).WithObject(id)
	}

	depth, err := e.Depth(ctx, src)
	if err != nil {
		return nil, err
	}
	if depth+1 >= e.maxChain {
		return nil, smerror.Newf(smerror.CodeChainTooDeep, "chain of %s has %d volumes, the limit is %d", id, depth+1, e.maxChain).WithObject(id)
	}

	leafFormat := src.Type
	if !leafFormat.IsCoW() {
		leafFormat = e.leafFormat
	}
	baseID := idgen.NewUUID()
	p := clonePayload{
		OrigLV: src.LVName,
		BaseLV: lvm.LVName(string(src.Type), baseID),
		LeafLV: lvm.LVName(string(leafFormat), id),
		Type:   opts.Type,
	}
	var cloneID string
	if opts.Type == SnapshotDouble {
		cloneID = idgen.NewUUID()
		p.CloneLV = lvm.LVName(string(leafFormat), cloneID)
	}
	if opts.CBT {
		p.CBTSnapshot = baseID
		if cloneID != "" {
			p.CBTSnapshot = cloneID
		}
		p.CBTMoved, err = e.lvm.LVExists(ctx, e.vg, CBTLogName(id))
		if err != nil {
			return nil, err
		}
	}

	entry, err := e.journal.Create(ctx, journal.KindClone, id, p.encode())
	if err != nil {
		return nil, err
	}

	result, err := e.doClone(ctx, src, baseID, cloneID, leafFormat, p)
	if err == nil {
		err = e.finishClone(ctx, src, result, depth+1, opts)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Clone failed, rolling back")
		if undoErr := e.UndoClone(ctx, *entry); undoErr != nil {
			logger.Error().Err(undoErr).Msg("Failed to roll back clone, journal kept for replay")
		} else if rmErr := e.journal.Remove(ctx, journal.KindClone, id); rmErr != nil {
			logger.Error().Err(rmErr).Msg("Failed to remove clone journal")
		}
		return nil, err
	}

	if err := e.journal.Remove(ctx, journal.KindClone, id); err != nil {
		return nil, err
	}
	logger.Info().Str("base_uuid", baseID).Str("clone_uuid", cloneID).Int("depth", result.Depth).Msg("Volume cloned")
	return result, nil
}

// finishClone 校验新叶子的深度并通知其他主机
func (e *Engine) finishClone(ctx context.Context, src Node, result *CloneResult, wantDepth int, opts SnapshotOptions) error {
	leafDepth, err := e.Depth(ctx, result.Leaf)
	if err != nil {
		return err
	}
	if leafDepth != wantDepth {
		return smerror.Newf(smerror.CodeInternal, "depth of %s is %d after clone, expected %d", src.ID, leafDepth, wantDepth).WithObject(src.ID)
	}
	result.Depth = leafDepth

	if err := e.notifyClone(ctx, result); err != nil {
		return err
	}
	if opts.CBT {
		snapshotID := result.Base.ID
		if result.Clone != nil {
			snapshotID = result.Clone.ID
		}
		return e.linkCBT(ctx, src, snapshotID)
	}
	return nil
}

func (e *Engine) doClone(ctx context.Context, src Node, baseID, cloneID string, leafFormat cowutil.Format, p clonePayload) (*CloneResult, error) {
	util, err := e.Util(leafFormat)
	if err != nil {
		return nil, err
	}

	if err := e.lvm.RenameLV(ctx, e.vg, src.LVName, p.BaseLV); err != nil {
		return nil, smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to rename %s", src.LVName), err).WithObject(src.ID)
	}
	// 挂载中的卷改名后，它的打开者同时打开着基础卷和原 UUID 的新叶子
	if err := e.act.Rename(ctx, p.OrigLV, p.BaseLV, true); err != nil {
		return nil, err
	}
	if p.LeafLV != p.OrigLV {
		if err := e.act.Rename(ctx, p.OrigLV, p.LeafLV, false); err != nil {
			return nil, err
		}
	}
	base := src
	base.ID = baseID
	base.LVName = p.BaseLV

	if p.Type == SnapshotSingle {
		if err := e.lvm.SetReadOnly(ctx, e.vg, base.LVName, true); err != nil {
			return nil, fmt.Errorf("failed to make %s read-only: %w", base.LVName, err)
		}
	} else {
		if err := e.setHidden(ctx, base, true); err != nil {
			return nil, err
		}
		base.Hidden = true
	}
	if e.thin {
		if err := e.deflate(ctx, &base, 0); err != nil {
			return nil, err
		}
	}

	leaf, err := e.createChild(ctx, util, src.ID, p.LeafLV, base)
	if err != nil {
		return nil, err
	}
	if e.thin && e.isAttachedWritable(ctx, leaf) {
		if err := e.resizeVolume(ctx, &leaf, cowutil.RoundUp(util.FullSize(leaf.SizeVirt), ExtentSize)); err != nil {
			return nil, err
		}
	}
	result := &CloneResult{Leaf: leaf, Base: base}
	if p.CloneLV != "" {
		clone, err := e.createChild(ctx, util, cloneID, p.CloneLV, base)
		if err != nil {
			return nil, err
		}
		result.Clone = &clone
	}

	if err := e.tree.Remove(src.ID); err != nil {
		return nil, err
	}
	if err := e.tree.Insert(base); err != nil {
		return nil, err
	}
	if err := e.tree.Insert(leaf); err != nil {
		return nil, err
	}
	if result.Clone != nil {
		if err := e.tree.Insert(*result.Clone); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// createChild 创建以 parent 为父节点的空 CoW 卷
func (e *Engine) createChild(ctx context.Context, util cowutil.Util, id, lvName string, parent Node) (Node, error) {
	size := e.leafSize(util, parent.SizeVirt)
	if err := e.lvm.CreateLV(ctx, e.vg, lvName, size, nil); err != nil {
		return Node{}, smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to create %s", lvName), err).WithObject(id)
	}

	child := Node{ID: id, LVName: lvName, Type: util.Format(), ParentID: parent.ID, SizeVirt: parent.SizeVirt, LVSize: size}
	err := e.act.WithTemporary(ctx, parent.LVName, func(parentPath string) error {
		return e.act.WithTemporary(ctx, lvName, func(childPath string) error {
			if err := util.Snapshot(ctx, childPath, parentPath, !parent.Type.IsCoW()); err != nil {
				return err
			}
			info, err := util.GetInfo(ctx, childPath)
			if err != nil {
				return err
			}
			child.SizeVirt = info.SizeVirt
			child.SizePhys = info.SizePhys
			return nil
		})
	})
	if err != nil {
		return Node{}, smerror.Wrap(smerror.CodeInternal, fmt.Sprintf("failed to snapshot %s", parent.LVName), err).WithObject(id)
	}
	return child, nil
}

// notifyClone 在返回前让所有挂载主机知道新叶子的父节点
func (e *Engine) notifyClone(ctx context.Context, r *CloneResult) error {
	if err := cluster.NotifyAll(ctx, e.hosts, e.srUUID, r.Leaf.ID, r.Base.ID); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to notify attached hosts", err).WithObject(r.Leaf.ID)
	}
	if r.Clone != nil {
		if err := cluster.NotifyAll(ctx, e.hosts, e.srUUID, r.Clone.ID, r.Base.ID); err != nil {
			return smerror.Wrap(smerror.CodeSRUnavailable, "failed to notify attached hosts", err).WithObject(r.Clone.ID)
		}
	}
	return nil
}

// CBTLogName 返回 VDI 的 CBT 日志卷名
func CBTLogName(vdiUUID string) string {
	return vdiUUID + cbtutil.LogSuffix
}

// linkCBT 快照接管原叶子的 CBT 日志，原叶子换一个新日志
// 每个挂载主机的视图和快照记录都要链接到新叶子，全部完成后才返回
func (e *Engine) linkCBT(ctx context.Context, leaf Node, snapshotID string) error {
	leafLog := CBTLogName(leaf.ID)
	snapLog := CBTLogName(snapshotID)

	if err := e.lvm.RenameLV(ctx, e.vg, leafLog, snapLog); err != nil && !errors.Is(err, lvm.ErrNotFound) {
		return fmt.Errorf("failed to hand CBT log over to snapshot: %w", err)
	}
	if e.cbtLogs != nil {
		if err := e.lvm.CreateLV(ctx, e.vg, leafLog, ExtentSize, nil); err != nil {
			return fmt.Errorf("failed to create CBT log for %s: %w", leaf.ID, err)
		}
		if err := e.cbtLogs.Create(ctx, e.act.Path(leafLog), leaf.SizeVirt); err != nil {
			return fmt.Errorf("failed to initialise CBT log for %s: %w", leaf.ID, err)
		}
		if err := e.cbtLogs.SetParent(ctx, e.act.Path(leafLog), snapshotID); err != nil {
			return fmt.Errorf("failed to set CBT parent of %s: %w", leaf.ID, err)
		}
	}

	hosts, err := e.hosts.AttachedHosts(ctx, e.srUUID)
	if err != nil {
		return fmt.Errorf("failed to list attached hosts: %w", err)
	}

	snapPath := e.act.Path(snapLog)
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		g.Go(func() error {
			return e.cbt.SetChild(gctx, host, snapPath, leaf.ID)
		})
	}
	// 空主机表示本机磁盘上的快照记录
	g.Go(func() error {
		return e.cbt.SetChild(gctx, "", snapPath, leaf.ID)
	})
	if err := g.Wait(); err != nil {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to link CBT logs", err).WithObject(leaf.ID)
	}

	zerolog.Ctx(ctx).Debug().Str("vdi_uuid", leaf.ID).Int("hosts", len(hosts)).Msg("CBT linked to new leaf")
	return nil
}

// UndoClone 撤销未完成的克隆，可以重复执行
//
// 基础卷还在说明原卷已经被改名，此时原 UUID 上的卷一定是新叶子，删除后把基础卷改回原名。
// 基础卷和原卷都不存在说明状态和日志矛盾，返回 JournalReplayFailure。
func (e *Engine) UndoClone(ctx context.Context, entry journal.Entry) error {
	p, err := decodeClonePayload(entry.Payload)
	if err != nil {
		return smerror.Wrap(smerror.CodeJournalReplayFailure, "invalid clone journal", err).WithObject(entry.Target)
	}
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", e.srUUID).Str("vdi_uuid", entry.Target).Logger()

	if p.CloneLV != "" {
		if err := e.removeLV(ctx, p.CloneLV); err != nil {
			return err
		}
	}
	if err := e.undoLinkCBT(ctx, entry.Target, p); err != nil {
		return err
	}

	baseExists, err := e.lvm.LVExists(ctx, e.vg, p.BaseLV)
	if err != nil {
		return err
	}
	origExists, err := e.lvm.LVExists(ctx, e.vg, p.OrigLV)
	if err != nil {
		return err
	}

	if !baseExists {
		if !origExists {
			return smerror.Newf(smerror.CodeJournalReplayFailure, "neither %s nor %s exists", p.OrigLV, p.BaseLV).WithObject(entry.Target)
		}
		if p.LeafLV != p.OrigLV {
			if err := e.removeLV(ctx, p.LeafLV); err != nil {
				return err
			}
		}
		logger.Info().Msg("Clone had not started, nothing to undo")
		return nil
	}

	if err := e.removeLV(ctx, p.LeafLV); err != nil {
		return err
	}
	if p.LeafLV != p.OrigLV {
		if err := e.removeLV(ctx, p.OrigLV); err != nil {
			return err
		}
	}
	if err := e.lvm.RenameLV(ctx, e.vg, p.BaseLV, p.OrigLV); err != nil {
		return fmt.Errorf("failed to rename %s back to %s: %w", p.BaseLV, p.OrigLV, err)
	}
	if err := e.act.Purge(ctx, p.BaseLV); err != nil {
		return err
	}
	if p.LeafLV != p.OrigLV {
		if err := e.act.Rename(ctx, p.LeafLV, p.OrigLV, false); err != nil {
			return err
		}
	}

	vdiType, _, _ := lvm.ParseLVName(p.OrigLV)
	orig := Node{ID: entry.Target, LVName: p.OrigLV, Type: cowutil.Format(vdiType)}
	if err := e.setHidden(ctx, orig, false); err != nil {
		return err
	}
	if p.Type == SnapshotSingle {
		if err := e.lvm.SetReadOnly(ctx, e.vg, p.OrigLV, false); err != nil {
			return err
		}
	}

	lvs, err := e.lvm.ListLVs(ctx, e.vg)
	if err != nil {
		return err
	}
	for _, lv := range lvs {
		if lv.Name == p.OrigLV {
			orig.LVSize = lv.Size
		}
	}
	if err := e.readHeader(ctx, &orig); err != nil {
		return err
	}
	// thin 模式下基础卷被收缩过，仍在写的卷要恢复到完整大小
	if e.thin && orig.Type.IsCoW() && e.isAttachedWritable(ctx, orig) {
		util, _ := e.Util(orig.Type)
		if full := cowutil.RoundUp(util.FullSize(orig.SizeVirt), ExtentSize); full > orig.LVSize {
			if err := e.resizeVolume(ctx, &orig, full); err != nil {
				return err
			}
		}
	}

	e.tree.dropIDs(entry.Target)
	for _, n := range e.tree.Nodes() {
		if n.LVName == p.BaseLV {
			e.tree.dropIDs(n.ID)
		}
	}
	if err := e.tree.Insert(orig); err != nil {
		return err
	}
	logger.Info().Msg("Clone rolled back")
	return nil
}

// undoLinkCBT 把交给快照的 CBT 日志还给原叶子，丢弃新建的叶子日志
func (e *Engine) undoLinkCBT(ctx context.Context, id string, p clonePayload) error {
	if p.CBTSnapshot == "" {
		return nil
	}
	leafLog := CBTLogName(id)
	snapLog := CBTLogName(p.CBTSnapshot)

	if !p.CBTMoved {
		return e.removeLV(ctx, leafLog)
	}
	handed, err := e.lvm.LVExists(ctx, e.vg, snapLog)
	if err != nil {
		return err
	}
	if !handed {
		return nil
	}
	if err := e.removeLV(ctx, leafLog); err != nil {
		return err
	}
	if err := e.lvm.RenameLV(ctx, e.vg, snapLog, leafLog); err != nil {
		return fmt.Errorf("failed to hand CBT log back to %s: %w", id, err)
	}
	return nil
}

func (e *Engine) removeLV(ctx context.Context, lv string) error {
	err := e.lvm.RemoveLV(ctx, e.vg, lv)
	if err != nil && !errors.Is(err, lvm.ErrNotFound) {
		return fmt.Errorf("failed to remove %s: %w", lv, err)
	}
	for _, n := range e.tree.Nodes() {
		if n.LVName == lv {
			e.tree.dropIDs(n.ID)
		}
	}
	return nil
}
