package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/smerror"
)

// MockSRService 是 SRServiceInterface 的 mock 实现
type MockSRService struct {
	mock.Mock
}

func (m *MockSRService) srResult(args mock.Arguments) (*entity.StorageRepository, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.StorageRepository), args.Error(1)
}

func (m *MockSRService) LoadSR(ctx context.Context, req *entity.LoadSRRequest) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) CreateSR(ctx context.Context, req *entity.CreateSRRequest) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) AttachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) DetachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) ScanSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) DeleteSR(ctx context.Context, req *entity.SRRef) error {
	return m.Called(req).Error(0)
}

func (m *MockSRService) ProbeSR(ctx context.Context, req *entity.ProbeSRRequest) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

func (m *MockSRService) GetSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	return m.srResult(m.Called(req))
}

func (m *MockSRService) ListSRs(ctx context.Context) ([]entity.StorageRepository, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.StorageRepository), args.Error(1)
}

// MockVDIService 是 VDIServiceInterface 的 mock 实现
type MockVDIService struct {
	mock.Mock
}

func (m *MockVDIService) vdiResult(args mock.Arguments) (*entity.VirtualDiskImage, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.VirtualDiskImage), args.Error(1)
}

func (m *MockVDIService) ListVDIs(ctx context.Context, req *entity.SRRef) ([]entity.VirtualDiskImage, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.VirtualDiskImage), args.Error(1)
}

func (m *MockVDIService) GetVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error) {
	return m.vdiResult(m.Called(req))
}

func (m *MockVDIService) CreateVDI(ctx context.Context, req *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error) {
	return m.vdiResult(m.Called(req))
}

func (m *MockVDIService) DeleteVDI(ctx context.Context, req *entity.VDIRef) error {
	return m.Called(req).Error(0)
}

func (m *MockVDIService) AttachVDI(ctx context.Context, req *entity.AttachVDIRequest) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

func (m *MockVDIService) DetachVDI(ctx context.Context, req *entity.VDIRef) error {
	return m.Called(req).Error(0)
}

func (m *MockVDIService) CloneVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error) {
	return m.vdiResult(m.Called(req))
}

func (m *MockVDIService) SnapshotVDI(ctx context.Context, req *entity.SnapshotVDIRequest) (*entity.VirtualDiskImage, error) {
	return m.vdiResult(m.Called(req))
}

func (m *MockVDIService) ResizeVDI(ctx context.Context, req *entity.ResizeVDIRequest) (*entity.VirtualDiskImage, error) {
	return m.vdiResult(m.Called(req))
}

func (m *MockVDIService) GenerateConfig(ctx context.Context, req *entity.VDIRef) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

func (m *MockVDIService) AttachFromConfig(ctx context.Context, req *entity.AttachFromConfigRequest) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

// MockPeerService 是 PeerServiceInterface 的 mock 实现
type MockPeerService struct {
	mock.Mock
}

func (m *MockPeerService) RefreshVolume(ctx context.Context, req *cluster.RefreshRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockPeerService) NotifyChainUpdate(ctx context.Context, req *cluster.ChainUpdateRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockPeerService) SetCBTChild(ctx context.Context, req *cluster.CBTChildRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockPeerService) SetAttachment(ctx context.Context, req *cluster.AttachmentRequest) error {
	return m.Called(req).Error(0)
}

type mocks struct {
	sr   *MockSRService
	vdi  *MockVDIService
	peer *MockPeerService
}

func setupTestAPI(t *testing.T) (*API, *mocks) {
	t.Helper()
	m := &mocks{sr: &MockSRService{}, vdi: &MockVDIService{}, peer: &MockPeerService{}}
	api, err := New(":0", m.sr, m.vdi, m.peer)
	require.NoError(t, err)
	return api, m
}

func post(api *API, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	t.Parallel()

	api, _ := setupTestAPI(t)
	assert.Equal(t, "API Server", api.Name())

	routePaths := make(map[string]bool)
	for _, route := range api.engine.Routes() {
		routePaths[route.Path] = true
	}
	for _, path := range []string{
		"/api/sr/load", "/api/sr/attach", "/api/sr/probe",
		"/api/vdi/create", "/api/vdi/snapshot", "/api/vdi/attach-from-config",
		cluster.PathRefresh, cluster.PathChainUpdate, cluster.PathCBTChild,
	} {
		assert.True(t, routePaths[path], path)
	}
}

func TestSR_Routes(t *testing.T) {
	t.Parallel()

	sr := &entity.StorageRepository{UUID: "sr1", Type: "lvm", Attached: true}
	testcases := []struct {
		name         string
		path         string
		body         any
		mockSetup    func(*mocks)
		expectStatus int
		expectCode   string
	}{
		{
			name: "load",
			path: "/api/sr/load",
			body: entity.LoadSRRequest{SRUUID: "sr1", Type: "lvm", DeviceConfig: map[string]string{"device": "/dev/sdb"}},
			mockSetup: func(m *mocks) {
				m.sr.On("LoadSR", mock.MatchedBy(func(r *entity.LoadSRRequest) bool {
					return r.SRUUID == "sr1" && r.DeviceConfig["device"] == "/dev/sdb"
				})).Return(sr, nil)
			},
			expectStatus: http.StatusOK,
		},
		{
			name:         "load without type",
			path:         "/api/sr/load",
			body:         entity.LoadSRRequest{SRUUID: "sr1"},
			mockSetup:    func(m *mocks) {},
			expectStatus: http.StatusBadRequest,
			expectCode:   smerror.CodeInvalidArgument,
		},
		{
			name: "attach unavailable",
			path: "/api/sr/attach",
			body: entity.SRRef{SRUUID: "sr1"},
			mockSetup: func(m *mocks) {
				m.sr.On("AttachSR", &entity.SRRef{SRUUID: "sr1"}).
					Return(nil, smerror.New(smerror.CodeSRUnavailable, "volume group not found").WithObject("sr1"))
			},
			expectStatus: http.StatusServiceUnavailable,
			expectCode:   smerror.CodeSRUnavailable,
		},
		{
			name: "delete not empty",
			path: "/api/sr/delete",
			body: entity.SRRef{SRUUID: "sr1"},
			mockSetup: func(m *mocks) {
				m.sr.On("DeleteSR", &entity.SRRef{SRUUID: "sr1"}).
					Return(smerror.New(smerror.CodeSRNotEmpty, "SR still has VDIs"))
			},
			expectStatus: http.StatusConflict,
			expectCode:   smerror.CodeSRNotEmpty,
		},
		{
			name: "probe",
			path: "/api/sr/probe",
			body: entity.ProbeSRRequest{Type: "lvm", DeviceConfig: map[string]string{"device": "/dev/sdb"}},
			mockSetup: func(m *mocks) {
				m.sr.On("ProbeSR", mock.Anything).Return("<SRlist></SRlist>", nil)
			},
			expectStatus: http.StatusOK,
		},
		{
			name: "list",
			path: "/api/sr/list",
			body: struct{}{},
			mockSetup: func(m *mocks) {
				m.sr.On("ListSRs").Return([]entity.StorageRepository{*sr}, nil)
			},
			expectStatus: http.StatusOK,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api, m := setupTestAPI(t)
			tc.mockSetup(m)

			w := post(api, tc.path, tc.body)
			assert.Equal(t, tc.expectStatus, w.Code, w.Body.String())
			if tc.expectCode != "" {
				var resp smerror.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				require.Len(t, resp.Errors, 1)
				assert.Equal(t, tc.expectCode, resp.Errors[0].Code)
			}
			m.sr.AssertExpectations(t)
		})
	}
}

func TestVDI_Routes(t *testing.T) {
	t.Parallel()

	ref := entity.VDIRef{SRUUID: "sr1", VDIUUID: "vdi1"}
	vdi := &entity.VirtualDiskImage{UUID: "vdi1", SRUUID: "sr1", Size: 64 << 20}

	t.Run("create", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("CreateVDI", mock.MatchedBy(func(r *entity.CreateVDIRequest) bool {
			return r.SRUUID == "sr1" && r.Size == 64<<20
		})).Return(vdi, nil)

		w := post(api, "/api/vdi/create", entity.CreateVDIRequest{SRUUID: "sr1", Size: 64 << 20})
		assert.Equal(t, http.StatusOK, w.Code)
		var resp entity.VDIResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "vdi1", resp.VDI.UUID)
	})

	t.Run("attach", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("AttachVDI", &entity.AttachVDIRequest{VDIRef: ref, Writable: true}).Return("/dev/VG_XenStorage-sr1/VHD-vdi1", nil)

		w := post(api, "/api/vdi/attach", entity.AttachVDIRequest{VDIRef: ref, Writable: true})
		assert.Equal(t, http.StatusOK, w.Code)
		var resp entity.AttachVDIResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "/dev/VG_XenStorage-sr1/VHD-vdi1", resp.Path)
	})

	t.Run("detach", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("DetachVDI", &ref).Return(nil)

		w := post(api, "/api/vdi/detach", ref)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("snapshot in use", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("SnapshotVDI", mock.Anything).Return(nil, smerror.New(smerror.CodeNotMaster, "snapshot is only permitted on the master"))

		w := post(api, "/api/vdi/snapshot", entity.SnapshotVDIRequest{VDIRef: ref})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("describe not found", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("GetVDI", &ref).Return(nil, smerror.New(smerror.CodeVDINotFound, "VDI not found").WithObject("vdi1"))

		w := post(api, "/api/vdi/describe", ref)
		assert.Equal(t, http.StatusNotFound, w.Code)
		var resp smerror.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "vdi1", resp.Errors[0].Object)
	})

	t.Run("config round trip", func(t *testing.T) {
		t.Parallel()
		api, m := setupTestAPI(t)
		m.vdi.On("GenerateConfig", &ref).Return("sr_uuid: sr1\nvdi_uuid: vdi1\n", nil)
		m.vdi.On("AttachFromConfig", &entity.AttachFromConfigRequest{Config: "sr_uuid: sr1\nvdi_uuid: vdi1\n"}).Return("/dev/x", nil)

		w := post(api, "/api/vdi/generate-config", ref)
		require.Equal(t, http.StatusOK, w.Code)
		var cfg entity.GenerateConfigResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))

		w = post(api, "/api/vdi/attach-from-config", entity.AttachFromConfigRequest{Config: cfg.Config})
		assert.Equal(t, http.StatusOK, w.Code)
		m.vdi.AssertExpectations(t)
	})
}

func TestPeer_Routes(t *testing.T) {
	t.Parallel()
	api, m := setupTestAPI(t)

	m.peer.On("RefreshVolume", &cluster.RefreshRequest{SRUUID: "sr1", LVName: "VHD-vdi1"}).Return(nil)
	m.peer.On("NotifyChainUpdate", &cluster.ChainUpdateRequest{SRUUID: "sr1", VDIUUID: "vdi1", ParentUUID: "base"}).Return(nil)
	m.peer.On("SetCBTChild", mock.Anything).Return(smerror.New(smerror.CodeUnsupported, "CBT is not configured on this host"))

	w := post(api, cluster.PathRefresh, cluster.RefreshRequest{SRUUID: "sr1", LVName: "VHD-vdi1"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = post(api, cluster.PathChainUpdate, cluster.ChainUpdateRequest{SRUUID: "sr1", VDIUUID: "vdi1", ParentUUID: "base"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = post(api, cluster.PathCBTChild, cluster.CBTChildRequest{LogPath: "/l", ChildUUID: "c"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	m.peer.AssertExpectations(t)
}

// TestPeer_StaticClient cluster.Static 发出的请求能被内部接口处理
func TestPeer_StaticClient(t *testing.T) {
	t.Parallel()
	api, m := setupTestAPI(t)
	srv := httptest.NewServer(api.engine)
	t.Cleanup(srv.Close)

	m.peer.On("RefreshVolume", &cluster.RefreshRequest{SRUUID: "sr1", LVName: "VHD-vdi1"}).Return(nil).Once()
	m.peer.On("NotifyChainUpdate", &cluster.ChainUpdateRequest{SRUUID: "sr1", VDIUUID: "vdi1"}).
		Return(smerror.New(smerror.CodeSRNotAttached, "SR is not attached")).Once()

	m.peer.On("SetAttachment", &cluster.AttachmentRequest{SRUUID: "sr1", Host: "host1", Attached: true}).Return(nil).Once()

	static := cluster.NewStatic("host1", map[string]string{"host2": srv.URL}, time.Second)
	ctx := context.Background()
	require.NoError(t, static.RefreshVolume(ctx, "host2", "sr1", "VHD-vdi1"))
	err := static.NotifyChainUpdate(ctx, "host2", "sr1", "vdi1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	require.NoError(t, static.Announce(ctx, "sr1", true))
	m.peer.AssertExpectations(t)
}

func TestAPI_Run(t *testing.T) {
	t.Parallel()
	api, _ := setupTestAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = api.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}
