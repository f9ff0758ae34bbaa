package service

import (
	"context"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/pkg/smerror"
)

// peerSR 能响应 master 通知的 SR
type peerSR interface {
	RefreshVolume(ctx context.Context, lvName string) error
	ChainUpdated(ctx context.Context, vdiUUID, parentUUID string) error
}

// CBTSetter 本机的 CBT 日志工具
type CBTSetter interface {
	SetChild(ctx context.Context, logPath, childUUID string) error
}

// AttachmentRecorder 记录其他主机的 SR 挂载状态
type AttachmentRecorder interface {
	MarkAttached(srUUID, host string)
	MarkDetached(srUUID, host string)
}

// PeerService 处理其他主机发来的内部请求
type PeerService struct {
	srs   *SRService
	cbt   CBTSetter
	hosts AttachmentRecorder
}

// NewPeerService 创建 PeerService，cbt 和 hosts 可以为 nil
func NewPeerService(srs *SRService, cbt CBTSetter, hosts AttachmentRecorder) *PeerService {
	return &PeerService{srs: srs, cbt: cbt, hosts: hosts}
}

func (p *PeerService) peer(srUUID string) (peerSR, error) {
	l, err := p.srs.get(srUUID)
	if err != nil {
		return nil, err
	}
	ps, ok := l.sr.(peerSR)
	if !ok {
		return nil, smerror.Newf(smerror.CodeUnsupported, "SR type %s has no shared volumes", l.typ).WithObject(srUUID)
	}
	return ps, nil
}

// RefreshVolume master 修改卷大小后刷新本机的映射
func (p *PeerService) RefreshVolume(ctx context.Context, req *cluster.RefreshRequest) error {
	ps, err := p.peer(req.SRUUID)
	if err != nil {
		return err
	}
	return ps.RefreshVolume(ctx, req.LVName)
}

// NotifyChainUpdate master 修改了链结构
func (p *PeerService) NotifyChainUpdate(ctx context.Context, req *cluster.ChainUpdateRequest) error {
	ps, err := p.peer(req.SRUUID)
	if err != nil {
		return err
	}
	return ps.ChainUpdated(ctx, req.VDIUUID, req.ParentUUID)
}

// SetCBTChild 在本机的 CBT 日志上记录子节点
func (p *PeerService) SetCBTChild(ctx context.Context, req *cluster.CBTChildRequest) error {
	if p.cbt == nil {
		return smerror.New(smerror.CodeUnsupported, "CBT is not configured on this host")
	}
	if err := p.cbt.SetChild(ctx, req.LogPath, req.ChildUUID); err != nil {
		return smerror.Wrap(smerror.CodeInternal, "failed to set CBT child", err)
	}
	return nil
}

// SetAttachment 记录另一台主机挂载或卸载了 SR
func (p *PeerService) SetAttachment(ctx context.Context, req *cluster.AttachmentRequest) error {
	if p.hosts == nil {
		return smerror.New(smerror.CodeUnsupported, "this host does not track peer attachments")
	}
	if req.SRUUID == "" || req.Host == "" {
		return smerror.New(smerror.CodeInvalidArgument, "sr_uuid and host are required")
	}
	if req.Attached {
		p.hosts.MarkAttached(req.SRUUID, req.Host)
	} else {
		p.hosts.MarkDetached(req.SRUUID, req.Host)
	}
	return nil
}
