package model

import (
	"time"

	"gorm.io/gorm"
)

// SR 已加载的 SR，守护进程重启后按这里的记录重新加载
type SR struct {
	UUID         string            `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	Type         string            `gorm:"type:text;not null;column:type" json:"type"`
	DeviceConfig map[string]string `gorm:"type:text;serializer:json;column:device_config" json:"deviceConfig"`
	SMConfig     map[string]string `gorm:"type:text;serializer:json;column:sm_config" json:"smConfig"`
	Attached     bool              `gorm:"type:boolean;default:0;column:attached" json:"attached"`
	CreatedAt    time.Time         `gorm:"type:datetime;not null;column:created_at" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"type:datetime;not null;column:updated_at" json:"updated_at"`
	DeletedAt    gorm.DeletedAt    `gorm:"type:datetime;index:idx_srs_deleted_at;column:deleted_at" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (SR) TableName() string {
	return "srs"
}
