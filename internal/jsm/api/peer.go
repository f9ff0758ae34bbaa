package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/cluster"
	"github.com/jimyag/jsm/pkg/ginx"
)

// PeerServiceInterface 处理其他主机发来的内部请求
type PeerServiceInterface interface {
	RefreshVolume(ctx context.Context, req *cluster.RefreshRequest) error
	NotifyChainUpdate(ctx context.Context, req *cluster.ChainUpdateRequest) error
	SetCBTChild(ctx context.Context, req *cluster.CBTChildRequest) error
	SetAttachment(ctx context.Context, req *cluster.AttachmentRequest) error
}

// Peer 内部接口，路径与 cluster.Static 发出的请求一致
type Peer struct {
	peerService PeerServiceInterface
}

func NewPeer(peerService PeerServiceInterface) *Peer {
	return &Peer{peerService: peerService}
}

func (p *Peer) RegisterRoutes(router *gin.RouterGroup) {
	router.POST(cluster.PathRefresh, ginx.Adapt4(p.RefreshVolume))
	router.POST(cluster.PathChainUpdate, ginx.Adapt4(p.NotifyChainUpdate))
	router.POST(cluster.PathCBTChild, ginx.Adapt4(p.SetCBTChild))
	router.POST(cluster.PathAttachment, ginx.Adapt4(p.SetAttachment))
}

func (p *Peer) RefreshVolume(ctx *gin.Context, req *cluster.RefreshRequest) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().
		Str("sr_uuid", req.SRUUID).
		Str("lv_name", req.LVName).
		Msg("RefreshVolume called")

	if err := p.peerService.RefreshVolume(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to refresh volume")
		return err
	}
	return nil
}

func (p *Peer) NotifyChainUpdate(ctx *gin.Context, req *cluster.ChainUpdateRequest) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().
		Str("sr_uuid", req.SRUUID).
		Str("vdi_uuid", req.VDIUUID).
		Msg("NotifyChainUpdate called")

	if err := p.peerService.NotifyChainUpdate(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to reload chain")
		return err
	}
	return nil
}

func (p *Peer) SetCBTChild(ctx *gin.Context, req *cluster.CBTChildRequest) error {
	if err := p.peerService.SetCBTChild(ctx, req); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("log_path", req.LogPath).Msg("Failed to set CBT child")
		return err
	}
	return nil
}

func (p *Peer) SetAttachment(ctx *gin.Context, req *cluster.AttachmentRequest) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().
		Str("sr_uuid", req.SRUUID).
		Str("host", req.Host).
		Bool("attached", req.Attached).
		Msg("SetAttachment called")

	if err := p.peerService.SetAttachment(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to record peer attachment")
		return err
	}
	return nil
}
