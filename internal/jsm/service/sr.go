// Package service 管理已加载的 SR 实例，是 API 层和驱动之间的一层
package service

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/repository"
	"github.com/jimyag/jsm/internal/jsm/repository/model"
	"github.com/jimyag/jsm/pkg/smerror"
)

// probeUUID 探测时使用的临时 SR 标识
const probeUUID = "probe"

type stopper interface {
	Stop() error
}

type loadedSR struct {
	typ    string
	params driver.Params
	sr     driver.SR
}

// SRService SR 管理服务
type SRService struct {
	registry *driver.Registry
	env      driver.Env
	// srRepo 为 nil 时不持久化，重启后需要重新加载
	srRepo repository.SRRepository

	mu  sync.Mutex
	srs map[string]*loadedSR
}

// NewSRService 创建 SR 服务
func NewSRService(registry *driver.Registry, env driver.Env, srRepo repository.SRRepository) *SRService {
	return &SRService{
		registry: registry,
		env:      env,
		srRepo:   srRepo,
		srs:      make(map[string]*loadedSR),
	}
}

func (s *SRService) get(srUUID string) (*loadedSR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.srs[srUUID]
	if !ok {
		return nil, smerror.Newf(smerror.CodeSRNotFound, "SR %s is not loaded", srUUID).WithObject(srUUID)
	}
	return l, nil
}

func (s *SRService) persist(ctx context.Context, l *loadedSR) error {
	if s.srRepo == nil {
		return nil
	}
	info := l.sr.Info()
	m := &model.SR{
		UUID:         l.params.SRUUID,
		Type:         l.typ,
		DeviceConfig: maps.Clone(l.params.DeviceConfig),
		SMConfig:     maps.Clone(l.params.SMConfig),
		Attached:     info.Attached,
	}
	if err := s.srRepo.Save(ctx, m); err != nil {
		return smerror.Wrap(smerror.CodeInternal, "failed to save SR record", err).WithObject(m.UUID)
	}
	return nil
}

func info(l *loadedSR) *entity.StorageRepository {
	i := l.sr.Info()
	return &i
}

// LoadSR 加载 SR，同一 UUID 重复加载时返回已有实例
func (s *SRService) LoadSR(ctx context.Context, req *entity.LoadSRRequest) (*entity.StorageRepository, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("srUUID", req.SRUUID).
		Str("type", req.Type).
		Msg("Loading SR")

	s.mu.Lock()
	if l, ok := s.srs[req.SRUUID]; ok {
		s.mu.Unlock()
		if l.typ != req.Type {
			return nil, smerror.Newf(smerror.CodeInvalidArgument, "SR is already loaded as type %s", l.typ).WithObject(req.SRUUID)
		}
		return info(l), nil
	}
	s.mu.Unlock()

	l, err := s.newSR(ctx, req.Type, driver.Params{
		SRUUID:       req.SRUUID,
		DeviceConfig: maps.Clone(req.DeviceConfig),
		SMConfig:     maps.Clone(req.SMConfig),
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.srs[req.SRUUID]; ok {
		// 并发加载，保留先加载的实例
		s.mu.Unlock()
		return info(existing), nil
	}
	s.srs[req.SRUUID] = l
	s.mu.Unlock()

	if err := s.persist(ctx, l); err != nil {
		return nil, err
	}

	logger.Info().Str("srUUID", req.SRUUID).Msg("SR loaded successfully")
	return info(l), nil
}

func (s *SRService) newSR(ctx context.Context, typ string, p driver.Params) (*loadedSR, error) {
	if p.DeviceConfig == nil {
		p.DeviceConfig = map[string]string{}
	}
	if p.SMConfig == nil {
		p.SMConfig = map[string]string{}
	}
	sr, err := s.registry.New(typ, p, s.env)
	if err != nil {
		return nil, err
	}
	if err := sr.Load(ctx); err != nil {
		return nil, err
	}
	return &loadedSR{typ: typ, params: p, sr: sr}, nil
}

// CreateSR 在设备上创建 SR，创建后处于已加载未挂载状态
func (s *SRService) CreateSR(ctx context.Context, req *entity.CreateSRRequest) (*entity.StorageRepository, error) {
	if _, err := s.LoadSR(ctx, &req.LoadSRRequest); err != nil {
		return nil, err
	}
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	if err := l.sr.Create(ctx, req.Size); err != nil {
		return nil, fmt.Errorf("create SR: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("srUUID", req.SRUUID).Uint64("size", req.Size).Msg("SR created successfully")
	return info(l), nil
}

// AttachSR 挂载 SR
func (s *SRService) AttachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	if err := l.sr.Attach(ctx); err != nil {
		return nil, fmt.Errorf("attach SR: %w", err)
	}
	if err := s.persist(ctx, l); err != nil {
		return nil, err
	}
	return info(l), nil
}

// DetachSR 卸载 SR
func (s *SRService) DetachSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	if err := l.sr.Detach(ctx); err != nil {
		return nil, fmt.Errorf("detach SR: %w", err)
	}
	if err := s.persist(ctx, l); err != nil {
		return nil, err
	}
	return info(l), nil
}

// ScanSR 重新扫描 SR
func (s *SRService) ScanSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	if err := l.sr.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan SR: %w", err)
	}
	return info(l), nil
}

// DeleteSR 删除 SR 的存储并忘掉该实例
func (s *SRService) DeleteSR(ctx context.Context, req *entity.SRRef) error {
	logger := zerolog.Ctx(ctx)
	l, err := s.get(req.SRUUID)
	if err != nil {
		return err
	}
	if err := l.sr.Delete(ctx); err != nil {
		return fmt.Errorf("delete SR: %w", err)
	}
	s.forget(ctx, req.SRUUID, l)
	if s.srRepo != nil {
		if err := s.srRepo.Delete(ctx, req.SRUUID); err != nil {
			return smerror.Wrap(smerror.CodeInternal, "failed to delete SR record", err).WithObject(req.SRUUID)
		}
	}
	logger.Info().Str("srUUID", req.SRUUID).Msg("SR deleted successfully")
	return nil
}

func (s *SRService) forget(ctx context.Context, srUUID string, l *loadedSR) {
	s.mu.Lock()
	delete(s.srs, srUUID)
	s.mu.Unlock()
	if st, ok := l.sr.(stopper); ok {
		if err := st.Stop(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("srUUID", srUUID).Msg("Failed to stop SR")
		}
	}
}

// ProbeSR 探测设备上已有的 SR，不加载实例
func (s *SRService) ProbeSR(ctx context.Context, req *entity.ProbeSRRequest) (string, error) {
	l, err := s.newSR(ctx, req.Type, driver.Params{SRUUID: probeUUID, DeviceConfig: maps.Clone(req.DeviceConfig)})
	if err != nil {
		return "", err
	}
	return l.sr.Probe(ctx)
}

// GetSR 返回 SR 当前状态
func (s *SRService) GetSR(ctx context.Context, req *entity.SRRef) (*entity.StorageRepository, error) {
	l, err := s.get(req.SRUUID)
	if err != nil {
		return nil, err
	}
	return info(l), nil
}

// ListSRs 列出已加载的 SR，按 UUID 排序
func (s *SRService) ListSRs(ctx context.Context) ([]entity.StorageRepository, error) {
	s.mu.Lock()
	out := make([]entity.StorageRepository, 0, len(s.srs))
	for _, l := range s.srs {
		out = append(out, l.sr.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// Restore 按持久化的记录重新加载 SR，之前已挂载的重新挂载
// 单个 SR 失败只记录日志
func (s *SRService) Restore(ctx context.Context) error {
	if s.srRepo == nil {
		return nil
	}
	logger := zerolog.Ctx(ctx)
	records, err := s.srRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("list SR records: %w", err)
	}
	for _, rec := range records {
		var req entity.LoadSRRequest
		if err := copier.Copy(&req, rec); err != nil {
			return fmt.Errorf("copy SR record: %w", err)
		}
		req.SRUUID = rec.UUID
		if _, err := s.LoadSR(ctx, &req); err != nil {
			logger.Error().Err(err).Str("srUUID", rec.UUID).Msg("Failed to restore SR")
			continue
		}
		if !rec.Attached {
			continue
		}
		if _, err := s.AttachSR(ctx, &entity.SRRef{SRUUID: rec.UUID}); err != nil {
			logger.Error().Err(err).Str("srUUID", rec.UUID).Msg("Failed to re-attach SR")
		}
	}
	logger.Info().Int("count", len(records)).Msg("SRs restored")
	return nil
}

// Close 停止所有 SR 的后台任务，不卸载
func (s *SRService) Close(ctx context.Context) error {
	s.mu.Lock()
	srs := make([]*loadedSR, 0, len(s.srs))
	for _, l := range s.srs {
		srs = append(srs, l)
	}
	s.mu.Unlock()
	for _, l := range srs {
		if st, ok := l.sr.(stopper); ok {
			if err := st.Stop(); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("srUUID", l.params.SRUUID).Msg("Failed to stop SR")
			}
		}
	}
	return nil
}
