package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/smerror"
)

func (s *SRService) vdi(ctx context.Context, ref *entity.VDIRef) (driver.VDI, error) {
	l, err := s.get(ref.SRUUID)
	if err != nil {
		return nil, err
	}
	return l.sr.VDI(ctx, ref.VDIUUID)
}

// ListVDIs 列出 SR 中可见的 VDI
func (s *SRService) ListVDIs(ctx context.Context, req *entity.SRRef) ([]entity.VirtualDiskImage, error) {
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	return l.sr.VDIs(), nil
}

// GetVDI 返回 VDI 信息
func (s *SRService) GetVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error) {
	v, err := s.vdi(ctx, req)
	if err != nil {
		return nil, err
	}
	return v.Info(ctx)
}

// CreateVDI 创建 VDI，未指定 UUID 时生成一个
func (s *SRService) CreateVDI(ctx context.Context, req *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error) {
	logger := zerolog.Ctx(ctx)
	if req.VDIUUID == "" {
		req.VDIUUID = idgen.NewUUID()
	}
	logger.Info().
		Str("srUUID", req.SRUUID).
		Str("vdiUUID", req.VDIUUID).
		Uint64("size", req.Size).
		Msg("Creating VDI")

	v, err := s.vdi(ctx, &entity.VDIRef{SRUUID: req.SRUUID, VDIUUID: req.VDIUUID})
	if err != nil {
		return nil, err
	}
	out, err := v.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create VDI: %w", err)
	}

	logger.Info().Str("vdiUUID", out.UUID).Msg("VDI created successfully")
	return out, nil
}

// DeleteVDI 删除 VDI
func (s *SRService) DeleteVDI(ctx context.Context, req *entity.VDIRef) error {
	v, err := s.vdi(ctx, req)
	if err != nil {
		return err
	}
	if err := v.Delete(ctx); err != nil {
		return fmt.Errorf("delete VDI: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("vdiUUID", req.VDIUUID).Msg("VDI deleted successfully")
	return nil
}

// AttachVDI 挂载 VDI，返回设备路径
func (s *SRService) AttachVDI(ctx context.Context, req *entity.AttachVDIRequest) (string, error) {
	v, err := s.vdi(ctx, &req.VDIRef)
	if err != nil {
		return "", err
	}
	path, err := v.Attach(ctx, req.Writable)
	if err != nil {
		return "", fmt.Errorf("attach VDI: %w", err)
	}
	return path, nil
}

// DetachVDI 卸载 VDI
func (s *SRService) DetachVDI(ctx context.Context, req *entity.VDIRef) error {
	v, err := s.vdi(ctx, req)
	if err != nil {
		return err
	}
	if err := v.Detach(ctx); err != nil {
		return fmt.Errorf("detach VDI: %w", err)
	}
	return nil
}

// CloneVDI 克隆 VDI
func (s *SRService) CloneVDI(ctx context.Context, req *entity.VDIRef) (*entity.VirtualDiskImage, error) {
	v, err := s.vdi(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := v.Clone(ctx)
	if err != nil {
		return nil, fmt.Errorf("clone VDI: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("vdiUUID", req.VDIUUID).Str("cloneUUID", out.UUID).Msg("VDI cloned successfully")
	return out, nil
}

// SnapshotVDI 创建快照
func (s *SRService) SnapshotVDI(ctx context.Context, req *entity.SnapshotVDIRequest) (*entity.VirtualDiskImage, error) {
	v, err := s.vdi(ctx, &req.VDIRef)
	if err != nil {
		return nil, err
	}
	out, err := v.Snapshot(ctx, req.SnapshotOptions)
	if err != nil {
		return nil, fmt.Errorf("snapshot VDI: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("vdiUUID", req.VDIUUID).Str("snapshotUUID", out.UUID).Msg("VDI snapshot created successfully")
	return out, nil
}

// ResizeVDI 扩大 VDI
func (s *SRService) ResizeVDI(ctx context.Context, req *entity.ResizeVDIRequest) (*entity.VirtualDiskImage, error) {
	v, err := s.vdi(ctx, &req.VDIRef)
	if err != nil {
		return nil, err
	}
	out, err := v.Resize(ctx, req.Size)
	if err != nil {
		return nil, fmt.Errorf("resize VDI: %w", err)
	}
	return out, nil
}

// GenerateConfig 生成挂载配置
func (s *SRService) GenerateConfig(ctx context.Context, req *entity.VDIRef) (string, error) {
	v, err := s.vdi(ctx, req)
	if err != nil {
		return "", err
	}
	out, err := v.GenerateConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	return string(out), nil
}

// configHeader 各驱动挂载配置的公共部分
type configHeader struct {
	SRUUID  string `yaml:"sr_uuid"`
	VDIUUID string `yaml:"vdi_uuid"`
}

// AttachFromConfig 按挂载配置找到 SR 和 VDI 并挂载
func (s *SRService) AttachFromConfig(ctx context.Context, req *entity.AttachFromConfigRequest) (string, error) {
	var hdr configHeader
	if err := yaml.Unmarshal([]byte(req.Config), &hdr); err != nil {
		return "", smerror.Wrap(smerror.CodeInvalidArgument, "invalid attach config", err)
	}
	if hdr.SRUUID == "" || hdr.VDIUUID == "" {
		return "", smerror.New(smerror.CodeInvalidArgument, "attach config lacks sr_uuid or vdi_uuid")
	}
	v, err := s.vdi(ctx, &entity.VDIRef{SRUUID: hdr.SRUUID, VDIUUID: hdr.VDIUUID})
	if err != nil {
		return "", err
	}
	path, err := v.AttachFromConfig(ctx, []byte(req.Config))
	if err != nil {
		return "", fmt.Errorf("attach from config: %w", err)
	}
	return path, nil
}
