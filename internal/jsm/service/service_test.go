package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/driver/lvmsr"
	"github.com/jimyag/jsm/internal/jsm/driver/shmsr"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/internal/jsm/repository"
	"github.com/jimyag/jsm/pkg/cbtutil"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

type testServices struct {
	srs    *SRService
	peers  *PeerService
	lvm    *lvm.Fake
	repo   repository.SRRepository
	env    driver.Env
	shmDir string
}

func setupTestServices(t *testing.T) *testServices {
	t.Helper()

	tmpDir := t.TempDir()
	repo, err := repository.New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	fake := lvm.NewFake(t.TempDir(), t.TempDir())
	fake.AddVG(lvm.VGName("sr1"), 8<<30, "/dev/sdb")
	fake.AddDevice("/dev/sdc", 4<<30)

	db, err := refcount.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := driver.Env{
		LVM: fake,
		Utils: map[cowutil.Format]cowutil.Util{
			cowutil.FormatVHD:   cowutil.NewFake(cowutil.FormatVHD, true),
			cowutil.FormatQCOW2: cowutil.NewFake(cowutil.FormatQCOW2, false),
		},
		Refcount:         db,
		Hosts:            cluster.NewStatic("hostref1", nil, 0),
		CBT:              cbtutil.NewMockLinker(),
		Records:          repository.NewStore(repo),
		LockDir:          t.TempDir(),
		LockTimeout:      time.Second,
		CoalesceInterval: time.Hour,
		DetachRetries:    2,
		DetachDelay:      time.Millisecond,
	}

	shmDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shmDir, "image1"), []byte("data"), 0o644))

	srRepo := repository.NewSRRepository(repo.DB())
	srs := NewSRService(driver.NewRegistry(lvmsr.Driver(), shmsr.Driver()), env, srRepo)
	t.Cleanup(func() { _ = srs.Close(context.Background()) })

	return &testServices{
		srs:    srs,
		peers:  NewPeerService(srs, nil, nil),
		lvm:    fake,
		repo:   srRepo,
		env:    env,
		shmDir: shmDir,
	}
}

func lvmRequest(uuid, device string) *entity.LoadSRRequest {
	return &entity.LoadSRRequest{
		SRUUID:       uuid,
		Type:         lvmsr.Type,
		DeviceConfig: map[string]string{"device": device, "SRmaster": "true"},
		SMConfig:     map[string]string{},
	}
}

func TestSRService_LoadSR(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	testcases := []struct {
		name     string
		req      *entity.LoadSRRequest
		wantCode string
	}{
		{name: "lvm", req: lvmRequest("sr1", "/dev/sdb")},
		{name: "unknown type", req: &entity.LoadSRRequest{SRUUID: "x", Type: "nfs"}, wantCode: smerror.CodeUnsupported},
		{name: "missing device", req: &entity.LoadSRRequest{SRUUID: "x", Type: lvmsr.Type}, wantCode: smerror.CodeConfigMissing},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := setupTestServices(t)

			sr, err := ts.srs.LoadSR(ctx, tc.req)
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, smerror.CodeOf(err))
				_, err = ts.repo.GetByUUID(ctx, tc.req.SRUUID)
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.req.SRUUID, sr.UUID)

			rec, err := ts.repo.GetByUUID(ctx, tc.req.SRUUID)
			require.NoError(t, err)
			assert.Equal(t, tc.req.Type, rec.Type)
			assert.False(t, rec.Attached)
		})
	}
}

func TestSRService_LoadSRTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupTestServices(t)

	_, err := ts.srs.LoadSR(ctx, lvmRequest("sr1", "/dev/sdb"))
	require.NoError(t, err)
	_, err = ts.srs.LoadSR(ctx, lvmRequest("sr1", "/dev/sdb"))
	require.NoError(t, err)

	srs, err := ts.srs.ListSRs(ctx)
	require.NoError(t, err)
	assert.Len(t, srs, 1)

	_, err = ts.srs.LoadSR(ctx, &entity.LoadSRRequest{
		SRUUID:       "sr1",
		Type:         shmsr.Type,
		DeviceConfig: map[string]string{"location": ts.shmDir},
	})
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
}

func TestSRService_NotLoaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupTestServices(t)

	_, err := ts.srs.AttachSR(ctx, &entity.SRRef{SRUUID: "missing"})
	assert.Equal(t, smerror.CodeSRNotFound, smerror.CodeOf(err))
	_, err = ts.srs.GetVDI(ctx, &entity.VDIRef{SRUUID: "missing", VDIUUID: "v"})
	assert.Equal(t, smerror.CodeSRNotFound, smerror.CodeOf(err))
}

func TestSRService_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupTestServices(t)

	_, err := ts.srs.CreateSR(ctx, &entity.CreateSRRequest{LoadSRRequest: *lvmRequest("sr2", "/dev/sdc")})
	require.NoError(t, err)

	sr, err := ts.srs.AttachSR(ctx, &entity.SRRef{SRUUID: "sr2"})
	require.NoError(t, err)
	assert.True(t, sr.Attached)
	rec, err := ts.repo.GetByUUID(ctx, "sr2")
	require.NoError(t, err)
	assert.True(t, rec.Attached)

	vdi, err := ts.srs.CreateVDI(ctx, &entity.CreateVDIRequest{SRUUID: "sr2", Size: 64 << 20, Label: "root"})
	require.NoError(t, err)
	assert.NotEmpty(t, vdi.UUID)

	ref := entity.VDIRef{SRUUID: "sr2", VDIUUID: vdi.UUID}
	snap, err := ts.srs.SnapshotVDI(ctx, &entity.SnapshotVDIRequest{VDIRef: ref})
	require.NoError(t, err)
	assert.True(t, snap.IsSnapshot)

	clone, err := ts.srs.CloneVDI(ctx, &ref)
	require.NoError(t, err)
	assert.NotEqual(t, vdi.UUID, clone.UUID)

	vdis, err := ts.srs.ListVDIs(ctx, &entity.SRRef{SRUUID: "sr2"})
	require.NoError(t, err)
	assert.Len(t, vdis, 3)

	cfg, err := ts.srs.GenerateConfig(ctx, &ref)
	require.NoError(t, err)
	path, err := ts.srs.AttachFromConfig(ctx, &entity.AttachFromConfigRequest{Config: cfg})
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	require.NoError(t, ts.srs.DetachVDI(ctx, &ref))

	// SR 非空时不能删除
	err = ts.srs.DeleteSR(ctx, &entity.SRRef{SRUUID: "sr2"})
	assert.Equal(t, smerror.CodeSRNotEmpty, smerror.CodeOf(err))

	for _, v := range []string{clone.UUID, snap.UUID, vdi.UUID} {
		require.NoError(t, ts.srs.DeleteVDI(ctx, &entity.VDIRef{SRUUID: "sr2", VDIUUID: v}))
	}
	require.NoError(t, ts.srs.DeleteSR(ctx, &entity.SRRef{SRUUID: "sr2"}))

	_, err = ts.srs.GetSR(ctx, &entity.SRRef{SRUUID: "sr2"})
	assert.Equal(t, smerror.CodeSRNotFound, smerror.CodeOf(err))
	_, err = ts.repo.GetByUUID(ctx, "sr2")
	assert.Error(t, err)
}

func TestSRService_Restore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupTestServices(t)

	_, err := ts.srs.LoadSR(ctx, lvmRequest("sr1", "/dev/sdb"))
	require.NoError(t, err)
	_, err = ts.srs.AttachSR(ctx, &entity.SRRef{SRUUID: "sr1"})
	require.NoError(t, err)
	_, err = ts.srs.LoadSR(ctx, &entity.LoadSRRequest{
		SRUUID:       "shm1",
		Type:         shmsr.Type,
		DeviceConfig: map[string]string{"location": ts.shmDir},
	})
	require.NoError(t, err)
	require.NoError(t, ts.srs.Close(ctx))

	restored := NewSRService(driver.NewRegistry(lvmsr.Driver(), shmsr.Driver()), ts.env, ts.repo)
	t.Cleanup(func() { _ = restored.Close(ctx) })
	require.NoError(t, restored.Restore(ctx))

	srs, err := restored.ListSRs(ctx)
	require.NoError(t, err)
	require.Len(t, srs, 2)
	assert.Equal(t, "shm1", srs[0].UUID)
	assert.False(t, srs[0].Attached)
	assert.Equal(t, "sr1", srs[1].UUID)
	assert.True(t, srs[1].Attached)
}

func TestSRService_Probe(t *testing.T) {
	t.Parallel()
	ts := setupTestServices(t)

	out, err := ts.srs.ProbeSR(context.Background(), &entity.ProbeSRRequest{
		Type:         lvmsr.Type,
		DeviceConfig: map[string]string{"device": "/dev/sdb"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "<UUID>sr1</UUID>")

	srs, err := ts.srs.ListSRs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, srs)
}

func TestSRService_AttachFromConfigInvalid(t *testing.T) {
	t.Parallel()
	ts := setupTestServices(t)

	testcases := []struct {
		name   string
		config string
		code   string
	}{
		{name: "not yaml", config: "{{", code: smerror.CodeInvalidArgument},
		{name: "no header", config: "path: /dev/x\n", code: smerror.CodeInvalidArgument},
		{name: "unknown SR", config: "sr_uuid: nope\nvdi_uuid: v\n", code: smerror.CodeSRNotFound},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ts.srs.AttachFromConfig(context.Background(), &entity.AttachFromConfigRequest{Config: tc.config})
			assert.Equal(t, tc.code, smerror.CodeOf(err))
		})
	}
}

type mockCBT struct {
	mock.Mock
}

func (m *mockCBT) SetChild(ctx context.Context, logPath, childUUID string) error {
	args := m.Called(logPath, childUUID)
	return args.Error(0)
}

func TestPeerService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts := setupTestServices(t)

	_, err := ts.srs.LoadSR(ctx, lvmRequest("sr1", "/dev/sdb"))
	require.NoError(t, err)

	// 未挂载的 SR 不响应
	err = ts.peers.RefreshVolume(ctx, &cluster.RefreshRequest{SRUUID: "sr1", LVName: "VHD-a"})
	assert.Equal(t, smerror.CodeSRNotAttached, smerror.CodeOf(err))

	_, err = ts.srs.AttachSR(ctx, &entity.SRRef{SRUUID: "sr1"})
	require.NoError(t, err)
	require.NoError(t, ts.peers.RefreshVolume(ctx, &cluster.RefreshRequest{SRUUID: "sr1", LVName: "MGT"}))
	assert.Equal(t, 1, ts.lvm.CallCount("RefreshLV"))

	vdi, err := ts.srs.CreateVDI(ctx, &entity.CreateVDIRequest{SRUUID: "sr1", Size: 64 << 20})
	require.NoError(t, err)
	require.NoError(t, ts.peers.NotifyChainUpdate(ctx, &cluster.ChainUpdateRequest{SRUUID: "sr1", VDIUUID: vdi.UUID}))
	got, err := ts.srs.GetVDI(ctx, &entity.VDIRef{SRUUID: "sr1", VDIUUID: vdi.UUID})
	require.NoError(t, err)
	assert.Equal(t, vdi.UUID, got.UUID)

	_, err = ts.srs.LoadSR(ctx, &entity.LoadSRRequest{
		SRUUID:       "shm1",
		Type:         shmsr.Type,
		DeviceConfig: map[string]string{"location": ts.shmDir},
	})
	require.NoError(t, err)
	err = ts.peers.NotifyChainUpdate(ctx, &cluster.ChainUpdateRequest{SRUUID: "shm1"})
	assert.Equal(t, smerror.CodeUnsupported, smerror.CodeOf(err))

	err = ts.peers.SetCBTChild(ctx, &cluster.CBTChildRequest{LogPath: "/l", ChildUUID: "c"})
	assert.Equal(t, smerror.CodeUnsupported, smerror.CodeOf(err))

	cbt := &mockCBT{}
	cbt.On("SetChild", "/l", "c").Return(nil).Once()
	cbt.On("SetChild", "/l", "bad").Return(errors.New("boom")).Once()
	hosts := cluster.NewStatic("hostref1", nil, 0)
	peers := NewPeerService(ts.srs, cbt, hosts)
	require.NoError(t, peers.SetCBTChild(ctx, &cluster.CBTChildRequest{LogPath: "/l", ChildUUID: "c"}))
	err = peers.SetCBTChild(ctx, &cluster.CBTChildRequest{LogPath: "/l", ChildUUID: "bad"})
	assert.Equal(t, smerror.CodeInternal, smerror.CodeOf(err))
	cbt.AssertExpectations(t)

	// 其他主机的挂载通告
	err = ts.peers.SetAttachment(ctx, &cluster.AttachmentRequest{SRUUID: "sr1", Host: "hostref2", Attached: true})
	assert.Equal(t, smerror.CodeUnsupported, smerror.CodeOf(err))
	err = peers.SetAttachment(ctx, &cluster.AttachmentRequest{SRUUID: "sr1", Attached: true})
	assert.Equal(t, smerror.CodeInvalidArgument, smerror.CodeOf(err))
	require.NoError(t, peers.SetAttachment(ctx, &cluster.AttachmentRequest{SRUUID: "sr1", Host: "hostref2", Attached: true}))
	attached, err := hosts.AttachedHosts(ctx, "sr1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref2"}, attached)
	require.NoError(t, peers.SetAttachment(ctx, &cluster.AttachmentRequest{SRUUID: "sr1", Host: "hostref2"}))
	attached, err = hosts.AttachedHosts(ctx, "sr1")
	require.NoError(t, err)
	assert.Empty(t, attached)
}
