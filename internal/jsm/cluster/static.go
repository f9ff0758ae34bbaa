package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// 对端 jsm 的内部接口
const (
	PathRefresh     = "/api/internal/RefreshVolume"
	PathChainUpdate = "/api/internal/NotifyChainUpdate"
	PathCBTChild    = "/api/internal/SetCBTChild"
	PathAttachment  = "/api/internal/SetAttachment"
)

// RefreshRequest 刷新卷请求
type RefreshRequest struct {
	SRUUID string `json:"sr_uuid"`
	LVName string `json:"lv_name"`
}

// ChainUpdateRequest 链变化通知
type ChainUpdateRequest struct {
	SRUUID     string `json:"sr_uuid"`
	VDIUUID    string `json:"vdi_uuid"`
	ParentUUID string `json:"parent_uuid"`
}

// CBTChildRequest CBT 链接请求
type CBTChildRequest struct {
	LogPath   string `json:"log_path"`
	ChildUUID string `json:"child_uuid"`
}

// AttachmentRequest 主机挂载或卸载 SR 的通告
type AttachmentRequest struct {
	SRUUID   string `json:"sr_uuid"`
	Host     string `json:"host"`
	Attached bool   `json:"attached"`
}

// Static 使用固定的对端列表
// 本机挂载/卸载 SR 时用 Announce 通告所有对端，对端收到后调用 MarkAttached / MarkDetached
type Static struct {
	self    string
	peers   map[string]string
	client  *http.Client
	mu      sync.RWMutex
	mounted map[string]map[string]bool
}

var _ Hosts = (*Static)(nil)

// NewStatic 创建 Static，peers 是主机标识到 API 根地址的映射
func NewStatic(self string, peers map[string]string, timeout time.Duration) *Static {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Static{
		self:    self,
		peers:   peers,
		client:  &http.Client{Timeout: timeout},
		mounted: make(map[string]map[string]bool),
	}
}

// ThisHost 实现 Hosts
func (s *Static) ThisHost() string {
	return s.self
}

// MarkAttached 记录主机挂载了 SR
func (s *Static) MarkAttached(srUUID, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mounted[srUUID] == nil {
		s.mounted[srUUID] = make(map[string]bool)
	}
	s.mounted[srUUID][host] = true
}

// MarkDetached 记录主机卸载了 SR
func (s *Static) MarkDetached(srUUID, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mounted[srUUID], host)
}

// Announce 记录本机的挂载状态并通告所有对端
// 通告失败的对端在它下一次收到通告之前看不到本机，返回的错误包含所有失败的对端
func (s *Static) Announce(ctx context.Context, srUUID string, attached bool) error {
	if attached {
		s.MarkAttached(srUUID, s.self)
	} else {
		s.MarkDetached(srUUID, s.self)
	}

	peers := make([]string, 0, len(s.peers))
	for host := range s.peers {
		if host != s.self {
			peers = append(peers, host)
		}
	}
	sort.Strings(peers)

	req := AttachmentRequest{SRUUID: srUUID, Host: s.self, Attached: attached}
	errs := make([]error, len(peers))
	var g errgroup.Group
	for i, host := range peers {
		g.Go(func() error {
			errs[i] = s.post(ctx, host, PathAttachment, req)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// AttachedHosts 实现 Hosts
func (s *Static) AttachedHosts(ctx context.Context, srUUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.mounted[srUUID]))
	for h := range s.mounted[srUUID] {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// RefreshVolume 实现 Hosts
func (s *Static) RefreshVolume(ctx context.Context, host, srUUID, lvName string) error {
	return s.post(ctx, host, PathRefresh, RefreshRequest{SRUUID: srUUID, LVName: lvName})
}

// NotifyChainUpdate 实现 Hosts
func (s *Static) NotifyChainUpdate(ctx context.Context, host, srUUID, vdiUUID, parentUUID string) error {
	if host == s.self {
		return nil
	}
	return s.post(ctx, host, PathChainUpdate, ChainUpdateRequest{
		SRUUID:     srUUID,
		VDIUUID:    vdiUUID,
		ParentUUID: parentUUID,
	})
}

// SetCBTChild 实现 cbtutil.Remote
func (s *Static) SetCBTChild(ctx context.Context, host, logPath, childUUID string) error {
	return s.post(ctx, host, PathCBTChild, CBTChildRequest{LogPath: logPath, ChildUUID: childUUID})
}

func (s *Static) post(ctx context.Context, host, path string, body any) error {
	base, ok := s.peers[host]
	if !ok {
		return fmt.Errorf("unknown host %s", host)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s on %s: %w", path, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s on %s returned %d: %s", path, host, resp.StatusCode, string(msg))
	}

	zerolog.Ctx(ctx).Debug().Str("host", host).Str("path", path).Msg("Peer call succeeded")
	return nil
}
