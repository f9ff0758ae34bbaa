package entity

import "time"

// VDI 类型
const (
	VDITypeVHD   = "vhd"
	VDITypeQCOW2 = "qcow2"
	VDITypeRaw   = "aio"
	VDITypeFile  = "file"
)

// 快照类型
const (
	SnapshotDouble = "double"
	SnapshotSingle = "single"
)

// VirtualDiskImage VDI 实体
type VirtualDiskImage struct {
	UUID         string            `json:"uuid"                   yaml:"uuid"`
	SRUUID       string            `json:"srUUID"                 yaml:"sr_uuid"`
	LVName       string            `json:"lvName,omitempty"       yaml:"lv_name,omitempty"`
	Path         string            `json:"path,omitempty"         yaml:"path,omitempty"`
	VDIType      string            `json:"vdiType"                yaml:"vdi_type"`
	Size         uint64            `json:"size"                   yaml:"size"`        // 虚拟大小
	Utilisation  uint64            `json:"utilisation"            yaml:"utilisation"` // 物理占用
	Hidden       bool              `json:"hidden"                 yaml:"hidden"`
	Active       bool              `json:"active"                 yaml:"active"`
	ReadOnly     bool              `json:"readOnly"               yaml:"read_only"`
	Shareable    bool              `json:"shareable"              yaml:"shareable"`
	ParentUUID   string            `json:"parentUUID,omitempty"   yaml:"parent_uuid,omitempty"`
	SnapshotOf   string            `json:"snapshotOf,omitempty"   yaml:"snapshot_of,omitempty"`
	IsSnapshot   bool              `json:"isSnapshot"             yaml:"is_snapshot"`
	SnapshotTime time.Time         `json:"snapshotTime,omitempty" yaml:"snapshot_time,omitempty"`
	Label        string            `json:"label,omitempty"        yaml:"label,omitempty"`
	Description  string            `json:"description,omitempty"  yaml:"description,omitempty"`
	SMConfig     map[string]string `json:"smConfig,omitempty"     yaml:"sm_config,omitempty"`
	CBTEnabled   bool              `json:"cbtEnabled"             yaml:"cbt_enabled"`
}

// SnapshotOptions 快照参数
type SnapshotOptions struct {
	Type        string `json:"type,omitempty"` // double（默认）, single
	CBT         bool   `json:"cbt,omitempty"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// VDIRef 定位一个 VDI
type VDIRef struct {
	SRUUID  string `json:"srUUID"  binding:"required"`
	VDIUUID string `json:"vdiUUID" binding:"required"`
}

// CreateVDIRequest 创建 VDI 请求
type CreateVDIRequest struct {
	SRUUID      string            `json:"srUUID"  binding:"required"`
	VDIUUID     string            `json:"vdiUUID,omitempty"` // 为空时生成
	Size        uint64            `json:"size"    binding:"required"`
	VDIType     string            `json:"vdiType,omitempty"`
	Label       string            `json:"label,omitempty"`
	Description string            `json:"description,omitempty"`
	SMConfig    map[string]string `json:"smConfig,omitempty"`
}

// VDIResponse 返回单个 VDI
type VDIResponse struct {
	VDI *VirtualDiskImage `json:"vdi"`
}

// ListVDIsResponse 列出 VDI
type ListVDIsResponse struct {
	VDIs []VirtualDiskImage `json:"vdis"`
}

// AttachVDIRequest 挂载 VDI 请求
type AttachVDIRequest struct {
	VDIRef
	Writable bool `json:"writable"`
}

// AttachVDIResponse 挂载结果
type AttachVDIResponse struct {
	Path string `json:"path"`
}

// SnapshotVDIRequest 快照请求
type SnapshotVDIRequest struct {
	VDIRef
	SnapshotOptions
}

// ResizeVDIRequest 扩容请求
type ResizeVDIRequest struct {
	VDIRef
	Size uint64 `json:"size" binding:"required"`
}

// GenerateConfigResponse 挂载配置
type GenerateConfigResponse struct {
	Config string `json:"config"`
}

// AttachFromConfigRequest 使用挂载配置挂载
type AttachFromConfigRequest struct {
	Config string `json:"config" binding:"required"`
}

// DeleteVDIResponse 删除 VDI 响应
type DeleteVDIResponse struct {
	Return bool `json:"return"`
}
