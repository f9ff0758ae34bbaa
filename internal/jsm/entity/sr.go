package entity

// Allocation SR 的空间分配方式
const (
	AllocationThick = "thick"
	AllocationThin  = "thin"
)

// StorageRepository SR 实体
type StorageRepository struct {
	UUID                string            `json:"uuid"                 yaml:"uuid"`
	Type                string            `json:"type"                 yaml:"type"`   // lvm, shm
	VGName              string            `json:"vgName,omitempty"     yaml:"vg_name,omitempty"`
	Devices             []string          `json:"devices,omitempty"    yaml:"devices,omitempty"`
	IsMaster            bool              `json:"isMaster"             yaml:"is_master"`
	LegacyMode          bool              `json:"legacyMode"           yaml:"legacy_mode"` // 元数据卷是唯一的 VDI 记录来源
	Allocation          string            `json:"allocation"           yaml:"allocation"`  // thick, thin
	Attached            bool              `json:"attached"             yaml:"attached"`
	PhysicalSize        uint64            `json:"physicalSize"         yaml:"physical_size"`
	PhysicalUtilisation uint64            `json:"physicalUtilisation"  yaml:"physical_utilisation"`
	VirtualAllocation   uint64            `json:"virtualAllocation"    yaml:"virtual_allocation"`
	SMConfig            map[string]string `json:"smConfig,omitempty"   yaml:"sm_config,omitempty"`
	VDICount            int               `json:"vdiCount"             yaml:"vdi_count"`
}

// SRRef 定位一个 SR 的公共参数
type SRRef struct {
	SRUUID string `json:"srUUID" binding:"required"`
}

// LoadSRRequest 加载 SR 请求
type LoadSRRequest struct {
	SRUUID       string            `json:"srUUID"       binding:"required"`
	Type         string            `json:"type"         binding:"required"`
	DeviceConfig map[string]string `json:"deviceConfig"`
	SMConfig     map[string]string `json:"smConfig"`
}

// LoadSRResponse 加载 SR 响应
type LoadSRResponse struct {
	SR *StorageRepository `json:"sr"`
}

// CreateSRRequest 创建 SR 请求
type CreateSRRequest struct {
	LoadSRRequest
	Size uint64 `json:"size"`
}

// SRResponse 返回 SR 当前状态
type SRResponse struct {
	SR *StorageRepository `json:"sr"`
}

// ProbeSRRequest 探测设备上的 SR
type ProbeSRRequest struct {
	Type         string            `json:"type"         binding:"required"`
	DeviceConfig map[string]string `json:"deviceConfig"`
}

// ProbeSRResponse 探测结果，XML 格式的 SRlist
type ProbeSRResponse struct {
	Result string `json:"result"`
}

// ListSRsResponse 列出 SR 响应
type ListSRsResponse struct {
	SRs []StorageRepository `json:"srs"`
}

// DeleteSRResponse 删除 SR 响应
type DeleteSRResponse struct {
	Return bool `json:"return"`
}
