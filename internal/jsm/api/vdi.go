package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/ginx"
)

// VDIServiceInterface 定义 VDI 服务的接口
type VDIServiceInterface interface {
	ListVDIs(ctx context.Context, req *entity.SRRef) ([]entity.VirtualDiskImage, error)
	GetVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error)
	CreateVDI(ctx context.Context, req *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error)
	DeleteVDI(ctx context.Context, req *entity.VDIRef) error
	AttachVDI(ctx context.Context, req *entity.AttachVDIRequest) (string, error)
	DetachVDI(ctx context.Context, req *entity.VDIRef) error
	CloneVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error)
	SnapshotVDI(ctx context.Context, req *entity.SnapshotVDIRequest) (*entity.VirtualDiskImage, error)
	ResizeVDI(ctx context.Context, req *entity.ResizeVDIRequest) (*entity.VirtualDiskImage, error)
	GenerateConfig(ctx context.Context, req *entity.VDIRef) (string, error)
	AttachFromConfig(ctx context.Context, req *entity.AttachFromConfigRequest) (string, error)
}

type VDI struct {
	vdiService VDIServiceInterface
}

func NewVDI(vdiService VDIServiceInterface) *VDI {
	return &VDI{vdiService: vdiService}
}

func (v *VDI) RegisterRoutes(router *gin.RouterGroup) {
	vdiRouter := router.Group("/vdi")
	vdiRouter.POST("/create", ginx.Adapt5(v.CreateVDI))
	vdiRouter.POST("/delete", ginx.Adapt5(v.DeleteVDI))
	vdiRouter.POST("/attach", ginx.Adapt5(v.AttachVDI))
	vdiRouter.POST("/detach", ginx.Adapt4(v.DetachVDI))
	vdiRouter.POST("/clone", ginx.Adapt5(v.CloneVDI))
	vdiRouter.POST("/snapshot", ginx.Adapt5(v.SnapshotVDI))
	vdiRouter.POST("/resize", ginx.Adapt5(v.ResizeVDI))
	vdiRouter.POST("/describe", ginx.Adapt5(v.DescribeVDI))
	vdiRouter.POST("/list", ginx.Adapt5(v.ListVDIs))
	vdiRouter.POST("/generate-config", ginx.Adapt5(v.GenerateConfig))
	vdiRouter.POST("/attach-from-config", ginx.Adapt5(v.AttachFromConfig))
}

func (v *VDI) CreateVDI(ctx *gin.Context, req *entity.CreateVDIRequest) (*entity.VDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Interface("request", req).
		Msg("CreateVDI called")

	vdi, err := v.vdiService.CreateVDI(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create VDI")
		return nil, err
	}
	return &entity.VDIResponse{VDI: vdi}, nil
}

func (v *VDI) DeleteVDI(ctx *gin.Context, req *entity.VDIRef) (*entity.DeleteVDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("srUUID", req.SRUUID).
		Str("vdiUUID", req.VDIUUID).
		Msg("DeleteVDI called")

	if err := v.vdiService.DeleteVDI(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to delete VDI")
		return nil, err
	}
	return &entity.DeleteVDIResponse{Return: true}, nil
}

func (v *VDI) AttachVDI(ctx *gin.Context, req *entity.AttachVDIRequest) (*entity.AttachVDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("vdiUUID", req.VDIUUID).
		Bool("writable", req.Writable).
		Msg("AttachVDI called")

	path, err := v.vdiService.AttachVDI(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to attach VDI")
		return nil, err
	}

	logger.Info().Str("path", path).Msg("VDI attached successfully")
	return &entity.AttachVDIResponse{Path: path}, nil
}

func (v *VDI) DetachVDI(ctx *gin.Context, req *entity.VDIRef) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("vdiUUID", req.VDIUUID).Msg("DetachVDI called")

	if err := v.vdiService.DetachVDI(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to detach VDI")
		return err
	}
	return nil
}

func (v *VDI) CloneVDI(ctx *gin.Context, req *entity.VDIRef) (*entity.VDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("vdiUUID", req.VDIUUID).Msg("CloneVDI called")

	vdi, err := v.vdiService.CloneVDI(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to clone VDI")
		return nil, err
	}
	return &entity.VDIResponse{VDI: vdi}, nil
}

func (v *VDI) SnapshotVDI(ctx *gin.Context, req *entity.SnapshotVDIRequest) (*entity.VDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("vdiUUID", req.VDIUUID).
		Str("type", req.Type).
		Bool("cbt", req.CBT).
		Msg("SnapshotVDI called")

	vdi, err := v.vdiService.SnapshotVDI(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to snapshot VDI")
		return nil, err
	}
	return &entity.VDIResponse{VDI: vdi}, nil
}

func (v *VDI) ResizeVDI(ctx *gin.Context, req *entity.ResizeVDIRequest) (*entity.VDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("vdiUUID", req.VDIUUID).
		Uint64("size", req.Size).
		Msg("ResizeVDI called")

	vdi, err := v.vdiService.ResizeVDI(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resize VDI")
		return nil, err
	}
	return &entity.VDIResponse{VDI: vdi}, nil
}

func (v *VDI) DescribeVDI(ctx *gin.Context, req *entity.VDIRef) (*entity.VDIResponse, error) {
	vdi, err := v.vdiService.GetVDI(ctx, req)
	if err != nil {
		return nil, err
	}
	return &entity.VDIResponse{VDI: vdi}, nil
}

func (v *VDI) ListVDIs(ctx *gin.Context, req *entity.SRRef) (*entity.ListVDIsResponse, error) {
	vdis, err := v.vdiService.ListVDIs(ctx, req)
	if err != nil {
		return nil, err
	}
	return &entity.ListVDIsResponse{VDIs: vdis}, nil
}

func (v *VDI) GenerateConfig(ctx *gin.Context, req *entity.VDIRef) (*entity.GenerateConfigResponse, error) {
	cfg, err := v.vdiService.GenerateConfig(ctx, req)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to generate config")
		return nil, err
	}
	return &entity.GenerateConfigResponse{Config: cfg}, nil
}

func (v *VDI) AttachFromConfig(ctx *gin.Context, req *entity.AttachFromConfigRequest) (*entity.AttachVDIResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Msg("AttachFromConfig called")

	path, err := v.vdiService.AttachFromConfig(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to attach VDI from config")
		return nil, err
	}
	return &entity.AttachVDIResponse{Path: path}, nil
}
