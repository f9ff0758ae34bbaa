package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/ginx"
)

// SRServiceInterface 定义 SR 服务的接口
type SRServiceInterface interface {
	LoadSR(ctx context.Context, req *entity.LoadSRRequest) (*entity.StorageRepository, error)
	CreateSR(ctx context.Context, req *entity.CreateSRRequest) (*entity.StorageRepository, error)
	AttachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error)
	DetachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error)
	ScanSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error)
	DeleteSR(ctx context.Context, req *entity.SRRef) error
	ProbeSR(ctx context.Context, req *entity.ProbeSRRequest) (string, error)
	GetSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error)
	ListSRs(ctx context.Context) ([]entity.StorageRepository, error)
}

type SR struct {
	srService SRServiceInterface
}

func NewSR(srService SRServiceInterface) *SR {
	return &SR{srService: srService}
}

func (s *SR) RegisterRoutes(router *gin.RouterGroup) {
	srRouter := router.Group("/sr")
	srRouter.POST("/load", ginx.Adapt5(s.LoadSR))
	srRouter.POST("/create", ginx.Adapt5(s.CreateSR))
	srRouter.POST("/attach", ginx.Adapt5(s.AttachSR))
	srRouter.POST("/detach", ginx.Adapt5(s.DetachSR))
	srRouter.POST("/scan", ginx.Adapt5(s.ScanSR))
	srRouter.POST("/delete", ginx.Adapt5(s.DeleteSR))
	srRouter.POST("/probe", ginx.Adapt5(s.ProbeSR))
	srRouter.POST("/describe", ginx.Adapt5(s.DescribeSR))
	srRouter.POST("/list", ginx.Adapt3(s.ListSRs))
}

func (s *SR) LoadSR(ctx *gin.Context, req *entity.LoadSRRequest) (*entity.SRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("srUUID", req.SRUUID).
		Str("type", req.Type).
		Msg("LoadSR called")

	sr, err := s.srService.LoadSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load SR")
		return nil, err
	}
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) CreateSR(ctx *gin.Context, req *entity.CreateSRRequest) (*entity.SRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Interface("request", req).
		Msg("CreateSR called")

	sr, err := s.srService.CreateSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create SR")
		return nil, err
	}

	logger.Info().Str("srUUID", sr.UUID).Msg("SR created successfully")
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) AttachSR(ctx *gin.Context, req *entity.SRRef) (*entity.SRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("srUUID", req.SRUUID).Msg("AttachSR called")

	sr, err := s.srService.AttachSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to attach SR")
		return nil, err
	}

	logger.Info().Str("srUUID", sr.UUID).Msg("SR attached successfully")
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) DetachSR(ctx *gin.Context, req *entity.SRRef) (*entity.SRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("srUUID", req.SRUUID).Msg("DetachSR called")

	sr, err := s.srService.DetachSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to detach SR")
		return nil, err
	}

	logger.Info().Str("srUUID", sr.UUID).Msg("SR detached successfully")
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) ScanSR(ctx *gin.Context, req *entity.SRRef) (*entity.SRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("srUUID", req.SRUUID).Msg("ScanSR called")

	sr, err := s.srService.ScanSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to scan SR")
		return nil, err
	}
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) DeleteSR(ctx *gin.Context, req *entity.SRRef) (*entity.DeleteSRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("srUUID", req.SRUUID).Msg("DeleteSR called")

	if err := s.srService.DeleteSR(ctx, req); err != nil {
		logger.Error().Err(err).Msg("Failed to delete SR")
		return nil, err
	}

	logger.Info().Str("srUUID", req.SRUUID).Msg("SR deleted successfully")
	return &entity.DeleteSRResponse{Return: true}, nil
}

func (s *SR) ProbeSR(ctx *gin.Context, req *entity.ProbeSRRequest) (*entity.ProbeSRResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("type", req.Type).
		Interface("deviceConfig", req.DeviceConfig).
		Msg("ProbeSR called")

	result, err := s.srService.ProbeSR(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to probe SR")
		return nil, err
	}
	return &entity.ProbeSRResponse{Result: result}, nil
}

func (s *SR) DescribeSR(ctx *gin.Context, req *entity.SRRef) (*entity.SRResponse, error) {
	sr, err := s.srService.GetSR(ctx, req)
	if err != nil {
		return nil, err
	}
	return &entity.SRResponse{SR: sr}, nil
}

func (s *SR) ListSRs(ctx *gin.Context) (*entity.ListSRsResponse, error) {
	srs, err := s.srService.ListSRs(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list SRs")
		return nil, err
	}
	return &entity.ListSRsResponse{SRs: srs}, nil
}
