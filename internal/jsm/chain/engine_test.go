package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/volume"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

const (
	testSR   = "sr1"
	testSize = 64 << 20
)

type env struct {
	engine *Engine
	lvm    *lvm.Fake
	vhd    *cowutil.Fake
	qcow2  *cowutil.Fake
	rc     *refcount.Counter
}

type envOption func(cfg *Config)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	fake := lvm.NewFake(t.TempDir(), t.TempDir())
	fake.AddVG(lvm.VGName(testSR), 8<<30, "/dev/sdb")

	db, err := refcount.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	rc := refcount.New(db, "hostref1")

	hosts := cluster.NewStatic("hostref1", nil, 0)
	hosts.MarkAttached(testSR, "hostref1")

	vhd := cowutil.NewFake(cowutil.FormatVHD, true)
	qcow2 := cowutil.NewFake(cowutil.FormatQCOW2, false)
	act := volume.NewActivator(fake, rc, testSR)
	cfg := Config{
		SRUUID:    testSR,
		LVM:       fake,
		Activator: act,
		Journal:   journal.New(fake, act, testSR, idgen.New()),
		Utils: map[cowutil.Format]cowutil.Util{
			cowutil.FormatVHD:   vhd,
			cowutil.FormatQCOW2: qcow2,
		},
		Hosts: hosts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &env{engine: NewEngine(cfg), lvm: fake, vhd: vhd, qcow2: qcow2, rc: rc}
}

func (e *env) lv(name string) (lvm.LVInfo, bool) {
	return e.lvm.LV(lvm.VGName(testSR), name)
}

func (e *env) journals(t *testing.T) []journal.Entry {
	t.Helper()
	entries, err := e.engine.Journal().GetAll(context.Background(), "")
	require.NoError(t, err)
	return entries
}

func TestEngine_CloneDepth(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name   string
		format cowutil.Format
	}{
		{name: "vhd", format: cowutil.FormatVHD},
		{name: "qcow2 uses hidden tag", format: cowutil.FormatQCOW2},
		{name: "raw source gets vhd leaves", format: cowutil.FormatRaw},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t)

			src, err := e.engine.Create(ctx, "vdi1", tc.format, testSize)
			require.NoError(t, err)

			first, err := e.engine.Clone(ctx, src.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, first.Depth)
			require.NotNil(t, first.Clone)
			assert.Equal(t, first.Base.ID, first.Clone.ParentID)
			assert.Equal(t, first.Base.ID, first.Leaf.ParentID)
			assert.Equal(t, "vdi1", first.Leaf.ID)

			cloneDepth, err := e.engine.Depth(ctx, *first.Clone)
			require.NoError(t, err)
			assert.Equal(t, 1, cloneDepth)

			second, err := e.engine.Clone(ctx, "vdi1")
			require.NoError(t, err)
			assert.Equal(t, 2, second.Depth)

			base, ok := e.lv(first.Base.LVName)
			require.True(t, ok)
			if tc.format == cowutil.FormatVHD {
				assert.False(t, base.Hidden(), "vhd keeps hidden in the header")
			} else {
				assert.True(t, base.Hidden())
			}
			assert.Empty(t, e.journals(t))

			// 从磁盘重新加载，非隐藏卷正好是三个叶子
			tree, err := e.engine.Load(ctx)
			require.NoError(t, err)
			var visible []string
			for _, n := range tree.Nodes() {
				if !n.Hidden {
					visible = append(visible, n.ID)
				}
			}
			assert.ElementsMatch(t, []string{"vdi1", first.Clone.ID, second.Clone.ID}, visible)
			assert.Equal(t, 2, tree.Depth("vdi1"))
		})
	}
}

func TestEngine_ChainTooDeep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, func(cfg *Config) { cfg.MaxChain = 3 })

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)
	_, err = e.engine.Clone(ctx, "vdi1")
	require.NoError(t, err)
	_, err = e.engine.Clone(ctx, "vdi1")
	require.NoError(t, err)

	before := e.lvm.CallCount("RenameLV")
	_, err = e.engine.Clone(ctx, "vdi1")
	assert.Equal(t, smerror.CodeChainTooDeep, smerror.CodeOf(err))
	assert.Equal(t, before, e.lvm.CallCount("RenameLV"), "nothing is mutated")
	assert.Empty(t, e.journals(t))
}

func TestEngine_CloneRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	src, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)

	e.vhd.FailOn("Snapshot", errors.New("snapshot failed"))
	_, err = e.engine.Clone(ctx, "vdi1")
	require.Error(t, err)

	lv, ok := e.lv(src.LVName)
	require.True(t, ok, "original volume restored")
	assert.False(t, lv.Hidden())
	assert.Empty(t, e.journals(t))

	nodes := e.engine.Tree().Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "vdi1", nodes[0].ID)
	assert.False(t, nodes[0].Hidden)

	lvs, err := e.lvm.ListLVs(ctx, lvm.VGName(testSR))
	require.NoError(t, err)
	assert.Len(t, lvs, 1)
}

func TestEngine_UndoClone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vg := lvm.VGName(testSR)

	testcases := []struct {
		name    string
		prepare func(t *testing.T, e *env, p clonePayload)
		wantErr bool
	}{
		{
			name: "rename done and leaf created",
			prepare: func(t *testing.T, e *env, p clonePayload) {
				require.NoError(t, e.lvm.RenameLV(ctx, vg, p.OrigLV, p.BaseLV))
				require.NoError(t, e.lvm.CreateLV(ctx, vg, p.LeafLV, 4<<20, nil))
				require.NoError(t, e.lvm.CreateLV(ctx, vg, p.CloneLV, 4<<20, nil))
			},
		},
		{
			name: "only renamed",
			prepare: func(t *testing.T, e *env, p clonePayload) {
				require.NoError(t, e.lvm.RenameLV(ctx, vg, p.OrigLV, p.BaseLV))
			},
		},
		{
			name:    "nothing done",
			prepare: func(t *testing.T, e *env, p clonePayload) {},
		},
		{
			name: "state contradicts journal",
			prepare: func(t *testing.T, e *env, p clonePayload) {
				require.NoError(t, e.lvm.RemoveLV(ctx, vg, p.OrigLV))
			},
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			src, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
			require.NoError(t, err)

			p := clonePayload{
				OrigLV:  src.LVName,
				BaseLV:  lvm.LVName("vhd", "base1"),
				LeafLV:  src.LVName,
				CloneLV: lvm.LVName("vhd", "clone1"),
				Type:    SnapshotDouble,
			}
			tc.prepare(t, e, p)
			entry := journal.Entry{Kind: journal.KindClone, Target: "vdi1", Payload: p.encode()}

			err = e.engine.UndoClone(ctx, entry)
			if tc.wantErr {
				assert.Equal(t, smerror.CodeJournalReplayFailure, smerror.CodeOf(err))
				return
			}
			require.NoError(t, err)
			require.NoError(t, e.engine.UndoClone(ctx, entry), "undo is idempotent")

			_, ok := e.lv(p.OrigLV)
			assert.True(t, ok)
			_, ok = e.lv(p.BaseLV)
			assert.False(t, ok)
			_, ok = e.lv(p.CloneLV)
			assert.False(t, ok)

			hidden, err := e.vhd.GetHidden(ctx, e.engine.Activator().Path(p.OrigLV))
			require.NoError(t, err)
			assert.False(t, hidden)
		})
	}
}

func TestEngine_SnapshotCBT(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hosts := cluster.NewMockHosts()
	hosts.On("ThisHost").Return("hostref1")
	hosts.On("AttachedHosts", mock.Anything, testSR).Return([]string{"hostref1", "hostref2"}, nil)
	hosts.On("NotifyChainUpdate", mock.Anything, mock.Anything, testSR, mock.Anything, mock.Anything).Return(nil)

	linker := cbtutil.NewMockLinker()
	linker.On("SetChild", mock.Anything, mock.Anything, mock.Anything, "vdi1").Return(nil)

	e := newEnv(t, func(cfg *Config) {
		cfg.Hosts = hosts
		cfg.CBT = linker
	})

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)

	result, err := e.engine.Snapshot(ctx, "vdi1", SnapshotOptions{CBT: true})
	require.NoError(t, err)
	require.NotNil(t, result.Clone)

	// 两个挂载主机加上快照记录
	linker.AssertNumberOfCalls(t, "SetChild", 3)
	snapLog := e.engine.Activator().Path(CBTLogName(result.Clone.ID))
	linker.AssertCalled(t, "SetChild", mock.Anything, "hostref1", snapLog, "vdi1")
	linker.AssertCalled(t, "SetChild", mock.Anything, "hostref2", snapLog, "vdi1")
	linker.AssertCalled(t, "SetChild", mock.Anything, "", snapLog, "vdi1")

	// 两个新叶子各通知两台主机
	hosts.AssertNumberOfCalls(t, "NotifyChainUpdate", 4)
}

func TestEngine_SingleSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)

	result, err := e.engine.Snapshot(ctx, "vdi1", SnapshotOptions{Type: SnapshotSingle})
	require.NoError(t, err)
	assert.Nil(t, result.Clone)
	assert.False(t, result.Base.Hidden)

	base, ok := e.lv(result.Base.LVName)
	require.True(t, ok)
	assert.True(t, base.ReadOnly)

	_, err = e.engine.Snapshot(ctx, "vdi1", SnapshotOptions{Type: "triple"})
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
}

func TestEngine_InflateDeflate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, func(cfg *Config) { cfg.Thin = true })

	node, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(ExtentSize), node.LVSize)

	full := cowutil.RoundUp(e.vhd.FullSize(testSize), ExtentSize)
	require.NoError(t, e.engine.Inflate(ctx, "vdi1", full))
	lv, _ := e.lv(node.LVName)
	assert.Equal(t, full, lv.Size)
	assert.Empty(t, e.journals(t))

	// 回放 inflate 日志把卷收缩回记录的大小
	entry := journal.Entry{Kind: journal.KindInflate, Target: "vdi1", Payload: "4194304"}
	require.NoError(t, e.engine.UndoInflate(ctx, entry))
	require.NoError(t, e.engine.UndoInflate(ctx, entry))
	lv, _ = e.lv(node.LVName)
	assert.Equal(t, uint64(ExtentSize), lv.Size)

	require.NoError(t, e.engine.UndoInflate(ctx, journal.Entry{Kind: journal.KindInflate, Target: "gone", Payload: "1"}))
	err = e.engine.UndoInflate(ctx, journal.Entry{Kind: journal.KindInflate, Target: "vdi1", Payload: "x"})
	assert.Equal(t, smerror.CodeJournalReplayFailure, smerror.CodeOf(err))
}

func TestEngine_ActivateLeafThin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, func(cfg *Config) { cfg.Thin = true })

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)
	_, err = e.engine.Clone(ctx, "vdi1")
	require.NoError(t, err)

	path, err := e.engine.ActivateLeaf(ctx, "vdi1", true)
	require.NoError(t, err)
	assert.Equal(t, e.engine.Activator().Path(lvm.LVName("vhd", "vdi1")), path)

	leaf, _ := e.engine.Tree().Get("vdi1")
	assert.Equal(t, cowutil.RoundUp(e.vhd.FullSize(testSize), ExtentSize), leaf.LVSize)

	parent, _ := e.engine.Tree().Parent("vdi1")
	count, err := e.rc.Get(ctx, testSR, parent.LVName)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count.Normal, "the whole chain is activated")

	require.NoError(t, e.engine.DeactivateLeaf(ctx, "vdi1"))
	leaf, _ = e.engine.Tree().Get("vdi1")
	assert.Equal(t, uint64(ExtentSize), leaf.LVSize)
	count, err = e.rc.Get(ctx, testSR, parent.LVName)
	require.NoError(t, err)
	assert.True(t, count.Zero())
}

func TestEngine_Resize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)

	node, err := e.engine.Resize(ctx, "vdi1", 2*testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), node.SizeVirt)
	assert.GreaterOrEqual(t, node.LVSize, e.vhd.FullSize(2*testSize))
	assert.Empty(t, e.journals(t))

	_, err = e.engine.Resize(ctx, "vdi1", testSize)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))

	raw, err := e.engine.Create(ctx, "raw1", cowutil.FormatRaw, testSize)
	require.NoError(t, err)
	raw, err = e.engine.Resize(ctx, raw.ID, 2*testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), raw.LVSize)
}

func TestEngine_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	_, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)
	single, err := e.engine.Snapshot(ctx, "vdi1", SnapshotOptions{Type: SnapshotSingle})
	require.NoError(t, err)

	// 快照还有子节点，删除只是隐藏
	require.NoError(t, e.engine.Delete(ctx, single.Base.ID))
	base, ok := e.engine.Tree().Get(single.Base.ID)
	require.True(t, ok)
	assert.True(t, base.Hidden)

	_, err = e.engine.ActivateLeaf(ctx, "vdi1", true)
	require.NoError(t, err)
	err = e.engine.Delete(ctx, "vdi1")
	assert.Equal(t, smerror.CodeVDIInUse, smerror.CodeOf(err))

	require.NoError(t, e.engine.DeactivateLeaf(ctx, "vdi1"))
	require.NoError(t, e.engine.Delete(ctx, "vdi1"))
	_, ok = e.lv(lvm.LVName("vhd", "vdi1"))
	assert.False(t, ok)
	assert.Equal(t, []string{single.Base.ID}, e.engine.Tree().Leaves())

	err = e.engine.Delete(ctx, "missing")
	assert.Equal(t, smerror.CodeVDINotFound, smerror.CodeOf(err))
}

func TestEngine_CloneAttached(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name   string
		format cowutil.Format
		opts   SnapshotOptions
		thin   bool
		fail   bool
	}{
		{name: "clone", format: cowutil.FormatVHD, opts: SnapshotOptions{Type: SnapshotDouble}},
		{name: "single snapshot", format: cowutil.FormatVHD, opts: SnapshotOptions{Type: SnapshotSingle}},
		{name: "raw source", format: cowutil.FormatRaw, opts: SnapshotOptions{Type: SnapshotDouble}},
		{name: "thin", format: cowutil.FormatVHD, opts: SnapshotOptions{Type: SnapshotDouble}, thin: true},
		{name: "rolled back", format: cowutil.FormatVHD, opts: SnapshotOptions{Type: SnapshotDouble}, fail: true},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t, func(cfg *Config) { cfg.Thin = tc.thin })

			src, err := e.engine.Create(ctx, "vdi1", tc.format, testSize)
			require.NoError(t, err)
			_, err = e.engine.ActivateLeaf(ctx, "vdi1", true)
			require.NoError(t, err)

			if tc.fail {
				e.vhd.FailOn("Snapshot", errors.New("snapshot failed"))
				_, err = e.engine.Snapshot(ctx, "vdi1", tc.opts)
				require.Error(t, err)
				e.vhd.FailOn("Snapshot", nil)

				total, err := e.rc.Total(ctx, testSR, src.LVName)
				require.NoError(t, err)
				assert.Equal(t, refcount.Count{Normal: 1}, total, "the opener stays on the restored volume")
				require.NoError(t, e.engine.DeactivateLeaf(ctx, "vdi1"))
				lvs, err := e.lvm.ListLVs(ctx, lvm.VGName(testSR))
				require.NoError(t, err)
				require.Len(t, lvs, 1)
				total, err = e.rc.Total(ctx, testSR, lvs[0].Name)
				require.NoError(t, err)
				assert.True(t, total.Zero())
				return
			}

			result, err := e.engine.Snapshot(ctx, "vdi1", tc.opts)
			require.NoError(t, err)

			// 挂载中的叶子在快照后仍然打开着整条链
			for _, name := range []string{result.Leaf.LVName, result.Base.LVName} {
				total, err := e.rc.Total(ctx, testSR, name)
				require.NoError(t, err)
				assert.Equal(t, uint32(1), total.Normal, name)
				lv, ok := e.lv(name)
				require.True(t, ok)
				assert.True(t, lv.Active, name)
			}
			if result.Leaf.LVName != src.LVName {
				total, err := e.rc.Total(ctx, testSR, src.LVName)
				require.NoError(t, err)
				assert.True(t, total.Zero(), "no opener left on the old name")
			}

			require.NoError(t, e.engine.DeactivateLeaf(ctx, "vdi1"))
			for _, name := range []string{result.Leaf.LVName, result.Base.LVName} {
				total, err := e.rc.Total(ctx, testSR, name)
				require.NoError(t, err)
				assert.True(t, total.Zero(), name)
				lv, _ := e.lv(name)
				assert.False(t, lv.Active, name)
			}
			require.NoError(t, e.engine.Delete(ctx, "vdi1"))
		})
	}
}

func TestEngine_SnapshotCBTRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vg := lvm.VGName(testSR)
	hosts := cluster.NewMockHosts()
	hosts.On("ThisHost").Return("hostref1")
	hosts.On("AttachedHosts", mock.Anything, testSR).Return([]string{"hostref1"}, nil)
	hosts.On("NotifyChainUpdate", mock.Anything, mock.Anything, testSR, mock.Anything, mock.Anything).Return(nil)

	linker := cbtutil.NewMockLinker()
	linker.On("SetChild", mock.Anything, mock.Anything, mock.Anything, "vdi1").Return(errors.New("link failed"))

	e := newEnv(t, func(cfg *Config) {
		cfg.Hosts = hosts
		cfg.CBT = linker
	})

	src, err := e.engine.Create(ctx, "vdi1", cowutil.FormatVHD, testSize)
	require.NoError(t, err)
	require.NoError(t, e.lvm.CreateLV(ctx, vg, CBTLogName("vdi1"), ExtentSize, nil))

	_, err = e.engine.Snapshot(ctx, "vdi1", SnapshotOptions{CBT: true})
	require.Error(t, err)
	assert.Empty(t, e.journals(t))

	// 交给快照的日志被还给原叶子
	lvs, err := e.lvm.ListLVs(ctx, vg)
	require.NoError(t, err)
	var names []string
	for _, lv := range lvs {
		names = append(names, lv.Name)
	}
	assert.ElementsMatch(t, []string{src.LVName, CBTLogName("vdi1")}, names)
}
