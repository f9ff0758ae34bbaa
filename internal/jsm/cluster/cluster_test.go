package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRefreshOnSlaves(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name        string
		attached    []string
		refreshErr  error
		wantErr     bool
		wantRefresh int
	}{
		{name: "only slaves refreshed", attached: []string{"hostref1", "hostref2", "hostref3"}, wantRefresh: 2},
		{name: "master alone", attached: []string{"hostref1"}, wantRefresh: 0},
		{name: "refresh failure surfaced", attached: []string{"hostref1", "hostref2"}, refreshErr: errors.New("boom"), wantErr: true, wantRefresh: 1},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := NewMockHosts()
			m.On("ThisHost").Return("hostref1")
			m.On("AttachedHosts", mock.Anything, "sr").Return(tc.attached, nil)
			m.On("RefreshVolume", mock.Anything, mock.Anything, "sr", "VHD-a").Return(tc.refreshErr)

			err := RefreshOnSlaves(context.Background(), m, "sr", "VHD-a")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			m.AssertNumberOfCalls(t, "RefreshVolume", tc.wantRefresh)
			m.AssertNotCalled(t, "RefreshVolume", mock.Anything, "hostref1", mock.Anything, mock.Anything)
		})
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRefresh:
			var req RefreshRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LVName == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			refreshes.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	s := NewStatic("hostref1", map[string]string{"hostref2": server.URL}, time.Second)
	assert.Equal(t, "hostref1", s.ThisHost())

	s.MarkAttached("sr", "hostref2")
	s.MarkAttached("sr", "hostref1")
	hosts, err := s.AttachedHosts(context.Background(), "sr")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref1", "hostref2"}, hosts)

	require.NoError(t, RefreshOnSlaves(context.Background(), s, "sr", "VHD-a"))
	assert.Equal(t, int32(1), refreshes.Load())

	// 本机的链变化通知直接跳过
	assert.NoError(t, s.NotifyChainUpdate(context.Background(), "hostref1", "sr", "vdi", "parent"))
	assert.Error(t, s.NotifyChainUpdate(context.Background(), "hostref2", "sr", "vdi", "parent"))
	assert.Error(t, s.RefreshVolume(context.Background(), "unknown", "sr", "VHD-a"))

	s.MarkDetached("sr", "hostref2")
	hosts, err = s.AttachedHosts(context.Background(), "sr")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref1"}, hosts)
}

func TestStatic_Announce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	master := NewStatic("hostref1", nil, time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AttachmentRequest
		if r.URL.Path != PathAttachment || json.NewDecoder(r.Body).Decode(&req) != nil || req.Host == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Attached {
			master.MarkAttached(req.SRUUID, req.Host)
		} else {
			master.MarkDetached(req.SRUUID, req.Host)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	slave := NewStatic("hostref2", map[string]string{"hostref1": server.URL, "hostref2": "http://unused"}, time.Second)
	require.NoError(t, slave.Announce(ctx, "sr", true))

	hosts, err := master.AttachedHosts(ctx, "sr")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref2"}, hosts, "master learns about the slave")
	hosts, err = slave.AttachedHosts(ctx, "sr")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref2"}, hosts)

	require.NoError(t, slave.Announce(ctx, "sr", false))
	hosts, err = master.AttachedHosts(ctx, "sr")
	require.NoError(t, err)
	assert.Empty(t, hosts)

	// 不可达的对端不影响本机记录
	lonely := NewStatic("hostref3", map[string]string{"hostref1": "http://127.0.0.1:1"}, time.Second)
	assert.Error(t, lonely.Announce(ctx, "sr", true))
	hosts, err = lonely.AttachedHosts(ctx, "sr")
	require.NoError(t, err)
	assert.Equal(t, []string{"hostref3"}, hosts)
}
