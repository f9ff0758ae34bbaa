package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jimyag/jsm/internal/jsm/repository/model"
)

// SRRepository SR 记录仓库接口
type SRRepository interface {
	Save(ctx context.Context, sr *model.SR) error
	GetByUUID(ctx context.Context, uuid string) (*model.SR, error)
	List(ctx context.Context) ([]*model.SR, error)
	Delete(ctx context.Context, uuid string) error
}

type srRepository struct {
	db *gorm.DB
}

// NewSRRepository 创建 SR 仓库
func NewSRRepository(db *gorm.DB) SRRepository {
	return &srRepository{db: db}
}

// Save 保存 SR，已存在时覆盖
func (r *srRepository) Save(ctx context.Context, sr *model.SR) error {
	db := r.db.WithContext(ctx)
	var existing model.SR
	err := db.Unscoped().Where("uuid = ?", sr.UUID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(sr).Error
	}
	if err != nil {
		return err
	}
	sr.CreatedAt = existing.CreatedAt
	sr.DeletedAt = gorm.DeletedAt{}
	return db.Unscoped().Save(sr).Error
}

// GetByUUID 根据 UUID 获取 SR
func (r *srRepository) GetByUUID(ctx context.Context, uuid string) (*model.SR, error) {
	var sr model.SR
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&sr).Error; err != nil {
		return nil, err
	}
	return &sr, nil
}

// List 列出所有 SR
func (r *srRepository) List(ctx context.Context) ([]*model.SR, error) {
	var srs []*model.SR
	if err := r.db.WithContext(ctx).Order("uuid").Find(&srs).Error; err != nil {
		return nil, err
	}
	return srs, nil
}

// Delete 软删除 SR
func (r *srRepository) Delete(ctx context.Context, uuid string) error {
	return r.db.WithContext(ctx).Delete(&model.SR{}, "uuid = ?", uuid).Error
}
