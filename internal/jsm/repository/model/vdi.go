package model

import (
	"time"

	"gorm.io/gorm"
)

// VDI VDI 记录表，保存镜像头部里没有的属性
type VDI struct {
	UUID         string            `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	SRUUID       string            `gorm:"type:text;not null;index:idx_vdis_sr_uuid;column:sr_uuid" json:"srUUID"`
	VDIType      string            `gorm:"type:text;not null;column:vdi_type" json:"vdiType"` // vhd, qcow2, aio, file
	Size         uint64            `gorm:"type:integer;not null;column:size" json:"size"`
	Label        string            `gorm:"type:text;column:label" json:"label"`
	Description  string            `gorm:"type:text;column:description" json:"description"`
	ReadOnly     bool              `gorm:"type:boolean;default:0;column:read_only" json:"readOnly"`
	SnapshotOf   string            `gorm:"type:text;index:idx_vdis_snapshot_of;column:snapshot_of" json:"snapshotOf"`
	IsSnapshot   bool              `gorm:"type:boolean;default:0;column:is_snapshot" json:"isSnapshot"`
	SnapshotTime time.Time         `gorm:"type:datetime;column:snapshot_time" json:"snapshotTime"`
	CBTEnabled   bool              `gorm:"type:boolean;default:0;column:cbt_enabled" json:"cbtEnabled"`
	SMConfig     map[string]string `gorm:"type:text;serializer:json;column:sm_config" json:"smConfig"`
	CreatedAt    time.Time         `gorm:"type:datetime;not null;column:created_at" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"type:datetime;not null;column:updated_at" json:"updated_at"`
	DeletedAt    gorm.DeletedAt    `gorm:"type:datetime;index:idx_vdis_deleted_at;column:deleted_at" json:"deleted_at,omitempty"` // 软删除
}

// TableName 指定表名
func (VDI) TableName() string {
	return "vdis"
}
