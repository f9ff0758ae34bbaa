package repository

import (
	"context"
	"fmt"
	"maps"

	"github.com/jinzhu/copier"

	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/repository/model"
)

// Store 以 entity 为单位读写 VDI 记录
type Store struct {
	vdis VDIRepository
}

// NewStore 创建 Store
func NewStore(r *Repository) *Store {
	return &Store{vdis: NewVDIRepository(r.DB())}
}

// vdiEntityToModel 将 entity.VirtualDiskImage 转换为 model.VDI
func vdiEntityToModel(e *entity.VirtualDiskImage) (*model.VDI, error) {
	m := &model.VDI{}
	if err := copier.Copy(m, e); err != nil {
		return nil, err
	}
	m.SMConfig = maps.Clone(e.SMConfig)
	return m, nil
}

// vdiModelToEntity 将 model.VDI 转换为 entity.VirtualDiskImage
func vdiModelToEntity(m *model.VDI) (*entity.VirtualDiskImage, error) {
	e := &entity.VirtualDiskImage{}
	if err := copier.Copy(e, m); err != nil {
		return nil, err
	}
	e.SMConfig = maps.Clone(m.SMConfig)
	return e, nil
}

// ListVDIs 列出 SR 的 VDI 记录
func (s *Store) ListVDIs(ctx context.Context, srUUID string) ([]entity.VirtualDiskImage, error) {
	models, err := s.vdis.ListBySR(ctx, srUUID)
	if err != nil {
		return nil, fmt.Errorf("list vdi records of %s: %w", srUUID, err)
	}
	out := make([]entity.VirtualDiskImage, 0, len(models))
	for _, m := range models {
		e, err := vdiModelToEntity(m)
		if err != nil {
			return nil, fmt.Errorf("convert vdi record %s: %w", m.UUID, err)
		}
		out = append(out, *e)
	}
	return out, nil
}

// SyncVDIs 用 vdis 替换 SR 的全部记录
func (s *Store) SyncVDIs(ctx context.Context, srUUID string, vdis []entity.VirtualDiskImage) error {
	models := make([]*model.VDI, 0, len(vdis))
	for i := range vdis {
		m, err := vdiEntityToModel(&vdis[i])
		if err != nil {
			return fmt.Errorf("convert vdi %s: %w", vdis[i].UUID, err)
		}
		models = append(models, m)
	}
	if err := s.vdis.Sync(ctx, srUUID, models); err != nil {
		return fmt.Errorf("sync vdi records of %s: %w", srUUID, err)
	}
	return nil
}

// SaveVDI 保存单个 VDI 记录
func (s *Store) SaveVDI(ctx context.Context, vdi *entity.VirtualDiskImage) error {
	m, err := vdiEntityToModel(vdi)
	if err != nil {
		return fmt.Errorf("convert vdi %s: %w", vdi.UUID, err)
	}
	if err := s.vdis.Upsert(ctx, m); err != nil {
		return fmt.Errorf("save vdi record %s: %w", vdi.UUID, err)
	}
	return nil
}

// DeleteVDI 删除 VDI 记录
func (s *Store) DeleteVDI(ctx context.Context, srUUID, uuid string) error {
	if err := s.vdis.HardDelete(ctx, uuid); err != nil {
		return fmt.Errorf("delete vdi record %s/%s: %w", srUUID, uuid, err)
	}
	return nil
}
