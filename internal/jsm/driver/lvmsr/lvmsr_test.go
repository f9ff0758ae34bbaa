package lvmsr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/journal"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/repository"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

const (
	testSR     = "sr1"
	testDevice = "/dev/sdb"
	testSize   = 64 << 20
)

type testEnv struct {
	sr        *SR
	lvm       *lvm.Fake
	mapperDir string
	params    driver.Params
	env       driver.Env
}

type envOption func(p *driver.Params, env *driver.Env)

func slave(host string) envOption {
	return func(p *driver.Params, env *driver.Env) {
		p.DeviceConfig["SRmaster"] = "false"
		env.Hosts = cluster.NewStatic(host, nil, 0)
	}
}

func withSMConfig(key, value string) envOption {
	return func(p *driver.Params, env *driver.Env) {
		p.SMConfig[key] = value
	}
}

func withHosts(hosts cluster.Hosts) envOption {
	return func(p *driver.Params, env *driver.Env) {
		env.Hosts = hosts
	}
}

func withLinker(linker cbtutil.Linker) envOption {
	return func(p *driver.Params, env *driver.Env) {
		env.CBT = linker
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	mapperDir := t.TempDir()
	fake := lvm.NewFake(t.TempDir(), mapperDir)
	fake.AddVG(lvm.VGName(testSR), 8<<30, testDevice)

	db, err := refcount.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	params := driver.Params{
		SRUUID:       testSR,
		DeviceConfig: map[string]string{"device": testDevice, "SRmaster": "true"},
		SMConfig:     map[string]string{},
	}
	env := driver.Env{
		LVM: fake,
		Utils: map[cowutil.Format]cowutil.Util{
			cowutil.FormatVHD:   cowutil.NewFake(cowutil.FormatVHD, true),
			cowutil.FormatQCOW2: cowutil.NewFake(cowutil.FormatQCOW2, false),
		},
		Refcount:         db,
		Hosts:            cluster.NewStatic("hostref1", nil, 0),
		CBT:              cbtutil.NewMockLinker(),
		LockDir:          t.TempDir(),
		LockTimeout:      time.Second,
		CoalesceInterval: time.Hour,
		DetachRetries:    2,
		DetachDelay:      time.Millisecond,
	}
	for _, opt := range opts {
		opt(&params, &env)
	}

	te := &testEnv{lvm: fake, mapperDir: mapperDir, params: params, env: env}
	te.sr = te.load(t)
	return te
}

// load 用同样的参数创建一个新的 SR 实例
func (te *testEnv) load(t *testing.T) *SR {
	t.Helper()
	s, err := New(te.params, te.env)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	sr := s.(*SR)
	t.Cleanup(func() { _ = sr.coalesce.Abort() })
	return sr
}

func (te *testEnv) createVDI(t *testing.T, uuid string) *entity.VirtualDiskImage {
	t.Helper()
	h, err := te.sr.VDI(context.Background(), uuid)
	require.NoError(t, err)
	v, err := h.Create(context.Background(), &entity.CreateVDIRequest{SRUUID: testSR, VDIUUID: uuid, Size: testSize, Label: "disk " + uuid})
	require.NoError(t, err)
	return v
}

func (te *testEnv) handle(t *testing.T, uuid string) driver.VDI {
	t.Helper()
	h, err := te.sr.VDI(context.Background(), uuid)
	require.NoError(t, err)
	return h
}

func TestSR_Load(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name         string
		deviceConfig map[string]string
		smConfig     map[string]string
		wantCode     string
		wantLegacy   bool
		wantThin     bool
	}{
		{
			name:         "legacy when use_vhd is absent",
			deviceConfig: map[string]string{"device": testDevice},
			wantLegacy:   true,
		},
		{
			name:         "use_vhd present",
			deviceConfig: map[string]string{"device": testDevice},
			smConfig:     map[string]string{"use_vhd": "true", "allocation": "thin"},
			wantThin:     true,
		},
		{
			name:         "missing device",
			deviceConfig: map[string]string{"SRmaster": "true"},
			wantCode:     smerror.CodeConfigMissing,
		},
		{
			name:         "only separators",
			deviceConfig: map[string]string{"device": " , "},
			wantCode:     smerror.CodeConfigMissing,
		},
		{
			name:         "bad allocation",
			deviceConfig: map[string]string{"device": testDevice},
			smConfig:     map[string]string{"allocation": "lazy"},
			wantCode:     smerror.CodeInvalidArgument,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db, err := refcount.Open("")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })

			s, err := New(driver.Params{SRUUID: testSR, DeviceConfig: tc.deviceConfig, SMConfig: tc.smConfig}, driver.Env{
				LVM:      lvm.NewFake(t.TempDir(), t.TempDir()),
				Refcount: db,
				Hosts:    cluster.NewStatic("hostref1", nil, 0),
				LockDir:  t.TempDir(),
			})
			require.NoError(t, err)

			err = s.Load(context.Background())
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, smerror.CodeOf(err))
				return
			}
			require.NoError(t, err)
			info := s.Info()
			assert.Equal(t, tc.wantLegacy, info.LegacyMode)
			assert.Equal(t, tc.wantThin, info.Allocation == entity.AllocationThin)
			assert.Equal(t, lvm.VGName(testSR), info.VGName)
			assert.Equal(t, []string{testDevice}, info.Devices)
		})
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(driver.Params{SRUUID: testSR}, driver.Env{})
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInternal, smerror.CodeOf(err))
}

func TestSR_AttachCreatesMetadataOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)

	require.NoError(t, te.sr.Attach(ctx))
	assert.Equal(t, []any{lvm.MetadataLV}, te.lvm.Calls("CreateLV"))
	assert.True(t, te.sr.Info().Attached)

	require.NoError(t, te.sr.Detach(ctx))
	assert.False(t, te.sr.Info().Attached)

	// 第二次挂载只同步元数据卷
	require.NoError(t, te.sr.Attach(ctx))
	assert.Equal(t, 1, te.lvm.CallCount("CreateLV"))
	_, ok := te.lvm.LV(lvm.VGName(testSR), lvm.MetadataLV)
	assert.True(t, ok)
}

func TestSR_AttachMissingVG(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)
	require.NoError(t, te.lvm.RemoveVG(context.Background(), lvm.VGName(testSR), nil))

	err := te.sr.Attach(context.Background())
	require.Error(t, err)
	assert.Equal(t, smerror.CodeSRUnavailable, smerror.CodeOf(err))
	assert.False(t, te.sr.Info().Attached)
}

func TestSR_DetachBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))

	path := lvm.DevMapperPath(te.mapperDir, lvm.VGName(testSR), lvm.MetadataLV)
	te.lvm.SetOpen(path, true)

	err := te.sr.Detach(ctx)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeDeviceBusy, smerror.CodeOf(err))
	assert.True(t, smerror.IsRetryable(err))
	assert.True(t, te.sr.Info().Attached)
	assert.Empty(t, te.lvm.Calls("RemoveDevMapperEntry"))
	assert.Equal(t, 2, te.lvm.CallCount("HasOpenHandles"))

	te.lvm.SetOpen(path, false)
	require.NoError(t, te.sr.Detach(ctx))
	assert.Equal(t, []any{lvm.RemovedEntry{Path: path, Force: false}}, te.lvm.Calls("RemoveDevMapperEntry"))
	assert.False(t, te.sr.Info().Attached)
}

func TestSR_ScanDeviceGrowth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))

	require.NoError(t, te.sr.Scan(ctx))
	assert.Equal(t, uint64(8<<30), te.sr.Info().PhysicalSize)
	assert.Zero(t, te.lvm.CallCount("ResizePV"))

	te.lvm.SetDeviceSize(testDevice, 10<<30)
	require.NoError(t, te.sr.Scan(ctx))
	assert.Equal(t, uint64(10<<30), te.sr.Info().PhysicalSize)
	assert.Equal(t, []any{testDevice}, te.lvm.Calls("ResizePV"))
}

func TestSR_ScanKeyset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))

	te.createVDI(t, "vdi1")
	te.createVDI(t, "vdi2")
	clone, err := te.handle(t, "vdi1").Clone(ctx)
	require.NoError(t, err)

	require.NoError(t, te.sr.Scan(ctx))
	var got []string
	for _, v := range te.sr.VDIs() {
		got = append(got, v.UUID)
		assert.False(t, v.Hidden)
	}
	assert.ElementsMatch(t, []string{"vdi1", "vdi2", clone.UUID}, got)

	vdi1, err := te.handle(t, "vdi1").Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, clone.ParentUUID, vdi1.ParentUUID)
	assert.NotContains(t, got, vdi1.ParentUUID)
	assert.Equal(t, "disk vdi1", vdi1.Label)
	assert.Equal(t, 3, te.sr.Info().VDICount)
	assert.Equal(t, uint64(3*testSize), te.sr.Info().VirtualAllocation)
}

func TestVDI_CloneDepth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	depth := func(id string) int {
		node, ok := te.sr.engine.Tree().Get(id)
		require.True(t, ok)
		d, err := te.sr.engine.Depth(ctx, node)
		require.NoError(t, err)
		return d
	}
	before := depth("vdi1")

	clone, err := te.handle(t, "vdi1").Clone(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, depth("vdi1"))
	assert.Equal(t, before+1, depth(clone.UUID))
	assert.False(t, clone.ReadOnly)
	assert.False(t, clone.IsSnapshot)
	assert.Equal(t, "disk vdi1", clone.Label)
}

func TestVDI_SnapshotCBT(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hosts := cluster.NewMockHosts()
	hosts.On("ThisHost").Return("hostref1")
	hosts.On("AttachedHosts", mock.Anything, testSR).Return([]string{"hostref1", "hostref2"}, nil)
	hosts.On("NotifyChainUpdate", mock.Anything, mock.Anything, testSR, mock.Anything, mock.Anything).Return(nil)
	linker := cbtutil.NewMockLinker()
	linker.On("SetChild", mock.Anything, mock.Anything, mock.Anything, "vdi1").Return(nil)

	te := newTestEnv(t, withHosts(hosts), withLinker(linker), withSMConfig("cbt", "true"))
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	snap, err := te.handle(t, "vdi1").Snapshot(ctx, entity.SnapshotOptions{CBT: true, Label: "before upgrade"})
	require.NoError(t, err)

	linker.AssertNumberOfCalls(t, "SetChild", 3)
	for _, host := range []string{"hostref1", "hostref2", ""} {
		linker.AssertCalled(t, "SetChild", mock.Anything, host, mock.Anything, "vdi1")
	}
	hosts.AssertNotCalled(t, "RefreshVolume", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assert.True(t, snap.IsSnapshot)
	assert.True(t, snap.ReadOnly)
	assert.True(t, snap.CBTEnabled)
	assert.Equal(t, "vdi1", snap.SnapshotOf)
	assert.Equal(t, "before upgrade", snap.Label)
	assert.False(t, snap.SnapshotTime.IsZero())

	leaf, err := te.handle(t, "vdi1").Info(ctx)
	require.NoError(t, err)
	assert.True(t, leaf.CBTEnabled)
}

func TestVDI_SnapshotCBTUnsupported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	_, err := te.handle(t, "vdi1").Snapshot(ctx, entity.SnapshotOptions{CBT: true})
	require.Error(t, err)
	assert.Equal(t, smerror.CodeUnsupported, smerror.CodeOf(err))
	assert.Len(t, te.sr.VDIs(), 1)
}

func TestVDI_SnapshotSingle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	snap, err := te.handle(t, "vdi1").Snapshot(ctx, entity.SnapshotOptions{Type: entity.SnapshotSingle})
	require.NoError(t, err)
	assert.False(t, snap.Hidden)
	assert.True(t, snap.ReadOnly)

	leaf, err := te.handle(t, "vdi1").Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.UUID, leaf.ParentUUID)
	assert.Len(t, te.sr.VDIs(), 2)

	// 只读快照不能可写挂载
	_, err = te.handle(t, snap.UUID).Attach(ctx, true)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
}

func TestSR_SlaveAttachKeepsJournals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hosts := cluster.NewMockHosts()
	hosts.On("ThisHost").Return("hostref2")
	te := newTestEnv(t, withHosts(hosts), func(p *driver.Params, env *driver.Env) {
		p.DeviceConfig["SRmaster"] = "false"
	})

	j := journal.New(te.lvm, te.sr.act, testSR, idgen.New())
	_, err := j.Create(ctx, journal.KindInflate, "vdi1", "8388608")
	require.NoError(t, err)

	require.NoError(t, te.sr.Attach(ctx))
	hosts.AssertNotCalled(t, "RefreshVolume", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	entries, err := j.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	_, ok := te.lvm.LV(lvm.VGName(testSR), lvm.MetadataLV)
	assert.False(t, ok)
}

func TestSR_SlaveStructuralOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t, slave("hostref2"))
	require.NoError(t, te.sr.Attach(ctx))

	h := te.handle(t, "vdi1")
	_, err := h.Create(ctx, &entity.CreateVDIRequest{SRUUID: testSR, Size: testSize})
	require.Error(t, err)
	assert.Equal(t, smerror.CodeNotMaster, smerror.CodeOf(err))

	err = te.sr.Create(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeNotMaster, smerror.CodeOf(err))
}

func TestVDI_AttachDetach(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	h := te.handle(t, "vdi1")
	path, err := h.Attach(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, te.lvm.LVPath(lvm.VGName(testSR), lvm.PrefixVHD+"vdi1"), path)
	info, err := h.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Active)

	// 挂载中的 VDI 不能删除
	err = h.Delete(ctx)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeVDIInUse, smerror.CodeOf(err))

	require.NoError(t, h.Detach(ctx))
	info, err = h.Info(ctx)
	require.NoError(t, err)
	assert.False(t, info.Active)

	require.NoError(t, h.Delete(ctx))
	_, err = h.Info(ctx)
	assert.Equal(t, smerror.CodeVDINotFound, smerror.CodeOf(err))
}

func TestVDI_Resize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	v, err := te.handle(t, "vdi1").Resize(ctx, 2*testSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testSize), v.Size)
	assert.Equal(t, "disk vdi1", v.Label)

	_, err = te.handle(t, "vdi1").Resize(ctx, testSize)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
}

func TestVDI_AttachFromConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")
	te.createVDI(t, "vdi2")

	cfg, err := te.handle(t, "vdi1").GenerateConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "vdi_uuid: vdi1")

	path, err := te.handle(t, "vdi1").AttachFromConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(path), lvm.PrefixVHD+"vdi1")

	_, err = te.handle(t, "vdi2").AttachFromConfig(ctx, cfg)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))

	_, err = te.handle(t, "vdi1").AttachFromConfig(ctx, []byte("{not yaml"))
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
}

func TestSR_CreateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t, func(p *driver.Params, env *driver.Env) {
		p.SRUUID = "sr2"
	})
	te.lvm.AddDevice("/dev/sdc", 4<<30)
	te.params.DeviceConfig["device"] = "/dev/sdc"
	te.sr = te.load(t)

	err := te.sr.Create(ctx, 8<<30)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))

	require.NoError(t, te.sr.Create(ctx, 0))
	_, ok := te.lvm.LV(lvm.VGName("sr2"), lvm.MetadataLV)
	assert.True(t, ok)

	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	err = te.sr.Delete(ctx)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeSRNotEmpty, smerror.CodeOf(err))

	require.NoError(t, te.handle(t, "vdi1").Delete(ctx))
	require.NoError(t, te.sr.Delete(ctx))
	exists, err := te.lvm.VGExists(ctx, lvm.VGName("sr2"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, te.sr.Info().Attached)

	err = te.sr.Delete(ctx)
	require.Error(t, err)
	assert.Equal(t, smerror.CodeSRNotFound, smerror.CodeOf(err))
}

func TestSR_Probe(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	out, err := te.sr.Probe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "<SRlist>")
	assert.Contains(t, out, "<UUID>sr1</UUID>")
	assert.Contains(t, out, "<Devlist>/dev/sdb</Devlist>")
	assert.Contains(t, out, "<size>8589934592</size>")
}

func TestSR_Records(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name  string
		store bool
	}{
		{name: "legacy metadata volume"},
		{name: "record store", store: true},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			var store *repository.Store
			opts := []envOption{}
			if tc.store {
				repo, err := repository.New(filepath.Join(t.TempDir(), "jsm.db"))
				require.NoError(t, err)
				t.Cleanup(func() { _ = repo.Close() })
				store = repository.NewStore(repo)
				opts = append(opts, withSMConfig("use_vhd", "true"), func(p *driver.Params, env *driver.Env) {
					env.Records = store
				})
			}
			te := newTestEnv(t, opts...)
			require.NoError(t, te.sr.Attach(ctx))
			te.createVDI(t, "vdi1")
			te.createVDI(t, "vdi2")
			require.NoError(t, te.handle(t, "vdi2").Delete(ctx))

			if tc.store {
				vdis, err := store.ListVDIs(ctx, testSR)
				require.NoError(t, err)
				require.Len(t, vdis, 1)
				assert.Equal(t, "disk vdi1", vdis[0].Label)
			}

			// 新的实例从持久化的记录恢复 label
			require.NoError(t, te.sr.Detach(ctx))
			sr := te.load(t)
			require.NoError(t, sr.Attach(ctx))
			require.NoError(t, sr.Scan(ctx))
			vdis := sr.VDIs()
			require.Len(t, vdis, 1)
			assert.Equal(t, "disk vdi1", vdis[0].Label)
			assert.Equal(t, uint64(testSize), vdis[0].Size)
		})
	}
}

func TestVDI_SnapshotAttached(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name string
		run  func(ctx context.Context, h driver.VDI) error
	}{
		{
			name: "snapshot",
			run: func(ctx context.Context, h driver.VDI) error {
				_, err := h.Snapshot(ctx, entity.SnapshotOptions{})
				return err
			},
		},
		{
			name: "single snapshot",
			run: func(ctx context.Context, h driver.VDI) error {
				_, err := h.Snapshot(ctx, entity.SnapshotOptions{Type: entity.SnapshotSingle})
				return err
			},
		},
		{
			name: "clone",
			run: func(ctx context.Context, h driver.VDI) error {
				_, err := h.Clone(ctx)
				return err
			},
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			te := newTestEnv(t)
			require.NoError(t, te.sr.Attach(ctx))
			te.createVDI(t, "vdi1")

			h := te.handle(t, "vdi1")
			_, err := h.Attach(ctx, true)
			require.NoError(t, err)
			require.NoError(t, tc.run(ctx, h))

			require.NoError(t, h.Detach(ctx))
			info, err := h.Info(ctx)
			require.NoError(t, err)
			assert.False(t, info.Active)

			parent, ok := te.sr.engine.Tree().Parent("vdi1")
			require.True(t, ok)
			total, err := te.sr.act.Counter().Total(ctx, testSR, parent.LVName)
			require.NoError(t, err)
			assert.True(t, total.Zero())
			require.NoError(t, h.Delete(ctx))
		})
	}
}

func TestSR_ReplayResizeWithInflate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	leafLV := lvm.PrefixVHD + "vdi1"
	before, ok := te.lvm.LV(lvm.VGName(testSR), leafLV)
	require.True(t, ok)

	// resize 写完日志并开始 inflate 后崩溃
	j := journal.New(te.lvm, te.sr.act, testSR, idgen.New())
	_, err := j.Create(ctx, journal.KindResize, "vdi1", strconv.FormatUint(2*testSize, 10))
	require.NoError(t, err)
	_, err = j.Create(ctx, journal.KindInflate, "vdi1", strconv.FormatUint(before.Size, 10))
	require.NoError(t, err)

	sr := te.load(t)
	require.NoError(t, sr.Attach(ctx))

	entries, err := j.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	node, ok := sr.engine.Tree().Get("vdi1")
	require.True(t, ok)
	assert.Equal(t, uint64(2*testSize), node.SizeVirt)
	after, _ := te.lvm.LV(lvm.VGName(testSR), leafLV)
	full := te.env.Utils[cowutil.FormatVHD].FullSize(2 * testSize)
	assert.GreaterOrEqual(t, after.Size, full, "the resize is not undone")
}

func TestSR_ScanCoalescesAfterDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	te := newTestEnv(t)
	require.NoError(t, te.sr.Attach(ctx))
	te.createVDI(t, "vdi1")

	first, err := te.handle(t, "vdi1").Clone(ctx)
	require.NoError(t, err)
	second, err := te.handle(t, "vdi1").Clone(ctx)
	require.NoError(t, err)
	tree := te.sr.engine.Tree()
	before := tree.Depth("vdi1")

	require.NoError(t, te.handle(t, second.UUID).Delete(ctx))
	require.NoError(t, te.handle(t, first.UUID).Delete(ctx))
	require.NoError(t, te.sr.Scan(ctx))

	assert.Eventually(t, func() bool {
		return te.sr.engine.Tree().Depth("vdi1") == before-1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, te.sr.coalesce.Abort())

	leaf, ok := te.sr.engine.Tree().Get("vdi1")
	require.True(t, ok)
	depth, err := te.sr.engine.Depth(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, before-1, depth)

	require.NoError(t, te.sr.Scan(ctx))
	var visible []string
	for _, v := range te.sr.VDIs() {
		visible = append(visible, v.UUID)
	}
	assert.Equal(t, []string{"vdi1"}, visible)
}

func TestSR_SlaveAnnouncesAttachment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	var got []cluster.AttachmentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.AttachmentRequest
		if r.URL.Path != cluster.PathAttachment || json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	te := newTestEnv(t, func(p *driver.Params, env *driver.Env) {
		p.DeviceConfig["SRmaster"] = "false"
		env.Hosts = cluster.NewStatic("hostref2", map[string]string{"hostref1": server.URL}, time.Second)
	})
	require.NoError(t, te.sr.Attach(ctx))
	require.NoError(t, te.sr.Detach(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []cluster.AttachmentRequest{
		{SRUUID: testSR, Host: "hostref2", Attached: true},
		{SRUUID: testSR, Host: "hostref2"},
	}, got)
}
