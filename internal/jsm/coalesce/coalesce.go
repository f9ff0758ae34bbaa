// Package coalesce 在后台把隐藏的中间卷合并进父卷，缩短 CoW 链
//
// 每个 SR 一个 Process，运行在 tomb 管理的 goroutine 中。一轮处理分两步：
// 先删除没有子节点的隐藏卷（垃圾），再从只有一个子节点的隐藏卷中挑最深的合并进父卷。
// 每个合并单元持有 SR 锁完整执行，Abort 只在单元之间生效，
// 所以被中止时链要么处于合并前，要么处于合并后。
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"github.com/jimyag/jsm/internal/jsm/chain"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/internal/jsm/lock"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/qcow2"
	"github.com/jimyag/jsm/pkg/smerror"
)

// ErrAborted 本轮处理被 Abort 中止
var ErrAborted = errors.New("coalesce aborted")

// State 合并单元之间的检查点
type State string

const (
	StateIdle      State = "idle"
	StatePreMerge  State = "pre-merge"
	StatePostMerge State = "post-merge"
)

// Config Process 的参数
type Config struct {
	SRUUID string
	Engine *chain.Engine
	Lock   lock.Locker
	// Interval 两轮处理之间的间隔
	Interval time.Duration
	// MinDepth 叶子深度达到该值才合并
	MinDepth int
}

// Process 一个 SR 的 coalesce 任务
type Process struct {
	srUUID   string
	engine   *chain.Engine
	lock     lock.Locker
	interval time.Duration
	minDepth int

	mu    sync.Mutex
	t     *tomb.Tomb
	kick  chan struct{}
	state State
}

// New 创建 Process，不会立刻启动
func New(cfg Config) *Process {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	minDepth := cfg.MinDepth
	if minDepth <= 0 {
		minDepth = 1
	}
	return &Process{
		srUUID:   cfg.SRUUID,
		engine:   cfg.Engine,
		lock:     cfg.Lock,
		interval: interval,
		minDepth: minDepth,
		kick:     make(chan struct{}, 1),
		state:    StateIdle,
	}
}

// State 最近一次到达的检查点
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Running 后台任务是否在运行
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t != nil && p.t.Alive()
}

// Start 启动后台任务，已经在运行时什么也不做
func (p *Process) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.t != nil && p.t.Alive() {
		return
	}
	t := &tomb.Tomb{}
	p.t = t
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", p.srUUID).Logger()
	t.Go(func() error {
		return p.loop(logger.WithContext(t.Context(context.WithoutCancel(ctx))), t)
	})
}

// Kick 请求尽快处理一轮
func (p *Process) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Abort 中止后台任务并等待它到达检查点
func (p *Process) Abort() error {
	p.mu.Lock()
	t := p.t
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	err := t.Wait()
	if errors.Is(err, ErrAborted) {
		return nil
	}
	return err
}

func (p *Process) loop(ctx context.Context, t *tomb.Tomb) error {
	logger := zerolog.Ctx(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-p.kick:
		case <-ticker.C:
			// 定时触发时 SR 正在被修改，等下一次
			if h, ok := p.lock.(interface{ Held() bool }); ok && h.Held() {
				logger.Debug().Msg("SR lock held, skip coalesce round")
				continue
			}
		}

		n, err := p.RunOnce(ctx, t.Dying())
		switch {
		case errors.Is(err, ErrAborted):
			logger.Info().Int("merged", n).Msg("Coalesce aborted at checkpoint")
			return nil
		case err != nil:
			// 下一次 scan 或定时器会重试
			logger.Error().Err(err).Int("merged", n).Msg("Coalesce round failed")
		case n > 0:
			logger.Info().Int("merged", n).Msg("Coalesce round finished")
		}
	}
}

// RunOnce 同步处理一轮，返回删除和合并的卷数
// dying 关闭后在下一个检查点返回 ErrAborted
func (p *Process) RunOnce(ctx context.Context, dying <-chan struct{}) (int, error) {
	done := 0
	for {
		select {
		case <-dying:
			return done, ErrAborted
		default:
		}

		worked, err := p.step(ctx)
		if err != nil {
			select {
			case <-dying:
				return done, ErrAborted
			default:
			}
			return done, err
		}
		if !worked {
			p.setState(StateIdle)
			return done, nil
		}
		done++
	}
}

// step 持有 SR 锁执行一个单元，没有可做的事时返回 false
func (p *Process) step(ctx context.Context) (bool, error) {
	release, err := p.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	// 单元一旦开始就不受取消影响
	ctx = context.WithoutCancel(ctx)
	tree := p.engine.Tree()

	if id, ok := Garbage(tree); ok {
		if err := p.engine.RemoveNode(ctx, id); err != nil {
			return false, smerror.Wrap(smerror.CodeCoalesceFailure, "failed to remove garbage volume", err).WithObject(id)
		}
		log.Ctx(ctx).Info().Str("vdi_uuid", id).Msg("Garbage volume removed")
		return true, nil
	}

	id, ok := Candidate(tree, p.minDepth)
	if !ok {
		return false, nil
	}
	if err := p.merge(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Garbage 返回一个没有子节点的隐藏卷
func Garbage(tree *chain.Tree) (string, bool) {
	for _, n := range tree.Nodes() {
		if n.Hidden && len(tree.Children(n.ID)) == 0 {
			return n.ID, true
		}
	}
	return "", false
}

// Candidate 在只有一个子节点且有 CoW 父节点的隐藏卷中选最深的
// 父节点也必须是隐藏的并且只有这一个子节点，否则合并会改写兄弟卷看到的数据。
// 子树中叶子的深度小于 minDepth 时不合并
func Candidate(tree *chain.Tree, minDepth int) (string, bool) {
	best, bestDepth := "", -1
	for _, n := range tree.Nodes() {
		if !n.Hidden || !n.Type.IsCoW() {
			continue
		}
		children := tree.Children(n.ID)
		if len(children) != 1 {
			continue
		}
		parent, ok := tree.Parent(n.ID)
		if !ok || !parent.Type.IsCoW() || parent.Type != n.Type {
			continue
		}
		if !parent.Hidden || len(tree.Children(parent.ID)) != 1 {
			continue
		}
		depth := tree.Depth(n.ID)
		if depth+1 < minDepth {
			continue
		}
		if depth > bestDepth || (depth == bestDepth && n.ID < best) {
			best, bestDepth = n.ID, depth
		}
	}
	return best, best != ""
}

func payload(childID, parentID string) string {
	return childID + ":" + parentID
}

func parsePayload(s string) (childID, parentID string, err error) {
	childID, parentID, ok := strings.Cut(s, ":")
	if !ok || childID == "" || parentID == "" {
		return "", "", fmt.Errorf("malformed coalesce journal %q", s)
	}
	return childID, parentID, nil
}

// merge 把 id 合并进父节点，并把唯一的子节点挂到父节点下
func (p *Process) merge(ctx context.Context, id string) error {
	tree := p.engine.Tree()
	node, _ := tree.Get(id)
	parent, _ := tree.Parent(id)
	childID := tree.Children(id)[0]
	logger := zerolog.Ctx(ctx).With().Str("vdi_uuid", id).Str("parent_uuid", parent.ID).Str("child_uuid", childID).Logger()

	fail := func(msg string, err error) error {
		return smerror.Wrap(smerror.CodeCoalesceFailure, msg, err).WithObject(id)
	}
	// 子节点还指向 id 之前失败，合并可以放弃，下一轮重来
	abandon := func(msg string, err error) error {
		if rmErr := p.engine.Journal().Remove(ctx, journal.KindCoalesce, id); rmErr != nil {
			logger.Error().Err(rmErr).Msg("Failed to remove coalesce journal")
		}
		p.setState(StateIdle)
		return fail(msg, err)
	}

	util, err := p.engine.Util(node.Type)
	if err != nil {
		return err
	}
	j := p.engine.Journal()
	if _, err := j.Create(ctx, journal.KindCoalesce, id, payload(childID, parent.ID)); err != nil {
		return fail("failed to journal coalesce", err)
	}
	p.setState(StatePreMerge)

	need, err := p.spaceNeeded(ctx, util, node, parent)
	if err != nil {
		return abandon("failed to estimate coalesce size", err)
	}
	if err := p.engine.Inflate(ctx, parent.ID, need); err != nil {
		return abandon("failed to inflate parent", err)
	}

	act := p.engine.Activator()
	err = act.WithTemporary(ctx, parent.LVName, func(string) error {
		return act.WithTemporary(ctx, node.LVName, func(path string) error {
			return util.Coalesce(ctx, path)
		})
	})
	if err != nil {
		return abandon("failed to merge into parent", err)
	}

	if err := p.engine.Relink(ctx, childID, parent.ID); err != nil {
		return abandon("failed to relink child", err)
	}
	p.setState(StatePostMerge)

	if err := p.engine.RemoveNode(ctx, id); err != nil {
		return fail("failed to remove merged volume", err)
	}
	if p.engine.Thin() {
		if err := p.engine.Deflate(ctx, parent.ID, 0); err != nil {
			return fail("failed to deflate parent", err)
		}
	}
	if err := j.Remove(ctx, journal.KindCoalesce, id); err != nil {
		return err
	}

	logger.Info().Msg("Volume coalesced")
	return nil
}

// spaceNeeded 父卷合并后需要的卷大小
// qcow2 按子卷新分配的簇估算，其他格式扩到完整大小
func (p *Process) spaceNeeded(ctx context.Context, util cowutil.Util, node, parent chain.Node) (uint64, error) {
	full := util.FullSize(parent.SizeVirt)
	if node.Type != cowutil.FormatQCOW2 {
		return full, nil
	}

	var need uint64
	act := p.engine.Activator()
	err := act.WithTemporary(ctx, parent.LVName, func(parentPath string) error {
		return act.WithTemporary(ctx, node.LVName, func(path string) error {
			base, err := qcow2.Open(parentPath)
			if err != nil {
				return err
			}
			defer base.Close()
			child, err := qcow2.Open(path)
			if err != nil {
				return err
			}
			defer child.Close()

			clusters, err := qcow2.NewlyAllocated(base, child)
			if err != nil {
				return err
			}
			need = parent.SizePhys + clusters*child.Header.ClusterSize()
			return nil
		})
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("vdi_uuid", node.ID).Msg("Failed to estimate qcow2 merge size, using full size")
		return full, nil
	}
	return min(need, full), nil
}

// Recover 回放 coalesce 日志
// 子节点已经指向父节点说明合并已经完成，只需删除中间卷；否则丢弃日志，下一轮重新合并
func Recover(ctx context.Context, engine *chain.Engine, entry journal.Entry) error {
	childID, parentID, err := parsePayload(entry.Payload)
	if err != nil {
		return smerror.Wrap(smerror.CodeJournalReplayFailure, "invalid coalesce journal", err).WithObject(entry.Target)
	}
	logger := zerolog.Ctx(ctx).With().Str("vdi_uuid", entry.Target).Logger()

	tree := engine.Tree()
	child, ok := tree.Get(childID)
	if !ok {
		logger.Info().Msg("Coalesce child gone, dropping journal")
		return nil
	}
	if child.ParentID == parentID {
		if _, ok := tree.Get(entry.Target); ok {
			if err := engine.RemoveNode(ctx, entry.Target); err != nil {
				return err
			}
		}
		logger.Info().Msg("Coalesce had finished, merged volume removed")
		return nil
	}
	if child.ParentID != entry.Target {
		return smerror.Newf(smerror.CodeJournalReplayFailure,
			"child %s has parent %s, expected %s or %s", childID, child.ParentID, entry.Target, parentID).WithObject(entry.Target)
	}
	logger.Info().Msg("Coalesce had not finished, will be redone")
	return nil
}
