package lvm

import (
	"path/filepath"
	"strings"
)

const (
	// VGPrefix 卷组名前缀，卷组名为 VGPrefix + SR UUID
	VGPrefix = "VG_XenStorage-"
	// MetadataLV 元数据卷的名字
	MetadataLV = "MGT"
	// HiddenTag 没有头部 hidden 标记的格式用这个 tag 标记内部节点
	HiddenTag = "hidden"
	// JournalPrefix 日志卷名前缀
	JournalPrefix = "jrnl-"

	DefaultDevDir       = "/dev"
	DefaultDevMapperDir = "/dev/mapper"
)

// LV 名前缀，按 VDI 类型区分
const (
	PrefixVHD   = "VHD-"
	PrefixQCOW2 = "QCOW2-"
	PrefixRaw   = "LV-"
)

var lvPrefixes = map[string]string{
	"vhd":   PrefixVHD,
	"qcow2": PrefixQCOW2,
	"aio":   PrefixRaw,
}

// VGName 返回 SR 对应的卷组名
func VGName(srUUID string) string {
	return VGPrefix + srUUID
}

// SRUUIDFromVG 从卷组名解析 SR UUID
func SRUUIDFromVG(vg string) (string, bool) {
	return strings.CutPrefix(vg, VGPrefix)
}

// LVName 返回 VDI 对应的逻辑卷名，未知类型返回空字符串
func LVName(vdiType, vdiUUID string) string {
	prefix, ok := lvPrefixes[vdiType]
	if !ok {
		return ""
	}
	return prefix + vdiUUID
}

// ParseLVName 从逻辑卷名解析 VDI 类型与 UUID
func ParseLVName(lv string) (vdiType, vdiUUID string, ok bool) {
	for t, prefix := range lvPrefixes {
		if uuid, found := strings.CutPrefix(lv, prefix); found && uuid != "" {
			return t, uuid, true
		}
	}
	return "", "", false
}

// escape 把名字中的 "-" 转义成 "--"，与 device-mapper 的命名一致
func escape(name string) string {
	return strings.ReplaceAll(name, "-", "--")
}

// DevMapperName 返回逻辑卷在 device-mapper 中的名字
func DevMapperName(vg, lv string) string {
	return escape(vg) + "-" + escape(lv)
}

// DevMapperPath 返回逻辑卷的 device-mapper 路径
func DevMapperPath(dir, vg, lv string) string {
	if dir == "" {
		dir = DefaultDevMapperDir
	}
	return filepath.Join(dir, DevMapperName(vg, lv))
}

// DevMapperGlob 返回匹配卷组所有映射项的 glob 模式
func DevMapperGlob(dir, vg string) string {
	if dir == "" {
		dir = DefaultDevMapperDir
	}
	return filepath.Join(dir, escape(vg)+"-*")
}
