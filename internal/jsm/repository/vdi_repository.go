package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jimyag/jsm/internal/jsm/repository/model"
)

// VDIRepository VDI 记录仓库接口
type VDIRepository interface {
	Upsert(ctx context.Context, vdi *model.VDI) error
	GetByUUID(ctx context.Context, uuid string) (*model.VDI, error)
	ListBySR(ctx context.Context, srUUID string) ([]*model.VDI, error)
	Delete(ctx context.Context, uuid string) error
	HardDelete(ctx context.Context, uuid string) error
	// Sync 让 SR 的记录集合与 vdis 一致，不在其中的记录被硬删除
	Sync(ctx context.Context, srUUID string, vdis []*model.VDI) error
}

type vdiRepository struct {
	db *gorm.DB
}

// NewVDIRepository 创建 VDI 仓库
func NewVDIRepository(db *gorm.DB) VDIRepository {
	return &vdiRepository{db: db}
}

// upsert 插入或覆盖记录，软删除过的记录会被恢复，创建时间保持不变
func upsert(tx *gorm.DB, vdi *model.VDI) error {
	var existing model.VDI
	err := tx.Unscoped().Where("uuid = ?", vdi.UUID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(vdi).Error
	}
	if err != nil {
		return err
	}
	vdi.CreatedAt = existing.CreatedAt
	vdi.DeletedAt = gorm.DeletedAt{}
	return tx.Unscoped().Save(vdi).Error
}

// Upsert 保存记录
func (r *vdiRepository) Upsert(ctx context.Context, vdi *model.VDI) error {
	return upsert(r.db.WithContext(ctx), vdi)
}

// GetByUUID 根据 UUID 获取记录
func (r *vdiRepository) GetByUUID(ctx context.Context, uuid string) (*model.VDI, error) {
	var vdi model.VDI
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&vdi).Error; err != nil {
		return nil, err
	}
	return &vdi, nil
}

// ListBySR 列出 SR 的所有记录，按 UUID 排序
func (r *vdiRepository) ListBySR(ctx context.Context, srUUID string) ([]*model.VDI, error) {
	var vdis []*model.VDI
	err := r.db.WithContext(ctx).
		Where("sr_uuid = ?", srUUID).
		Order("uuid").
		Find(&vdis).Error
	if err != nil {
		return nil, err
	}
	return vdis, nil
}

// Delete 软删除记录
func (r *vdiRepository) Delete(ctx context.Context, uuid string) error {
	return r.db.WithContext(ctx).Delete(&model.VDI{}, "uuid = ?", uuid).Error
}

// HardDelete 硬删除记录
func (r *vdiRepository) HardDelete(ctx context.Context, uuid string) error {
	return r.db.WithContext(ctx).Unscoped().Delete(&model.VDI{}, "uuid = ?", uuid).Error
}

// Sync 在一个事务里完成删除和保存
func (r *vdiRepository) Sync(ctx context.Context, srUUID string, vdis []*model.VDI) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keep := make([]string, 0, len(vdis))
		for _, v := range vdis {
			keep = append(keep, v.UUID)
		}

		query := tx.Unscoped().Where("sr_uuid = ?", srUUID)
		if len(keep) > 0 {
			query = query.Where("uuid NOT IN ?", keep)
		}
		if err := query.Delete(&model.VDI{}).Error; err != nil {
			return err
		}

		for _, v := range vdis {
			v.SRUUID = srUUID
			if err := upsert(tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}
