package lvmsr

import (
	"maps"
	"strconv"
	"time"

	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/metadata"
)

// 元数据卷记录里的附加 sm-config 键
const (
	keyCBTEnabled = "cbt_enabled"
	keySize       = "vsize"
)

const recordTypeUser = "user"

// toRecord 把 VDI 转成元数据卷记录
func toRecord(v entity.VirtualDiskImage) metadata.Record {
	rec := metadata.Record{
		UUID:        v.UUID,
		Label:       v.Label,
		Description: v.Description,
		Type:        recordTypeUser,
		VDIType:     v.VDIType,
		SnapshotOf:  v.SnapshotOf,
		IsSnapshot:  v.IsSnapshot,
		ReadOnly:    v.ReadOnly,
	}
	if !v.SnapshotTime.IsZero() {
		rec.SnapshotTime = v.SnapshotTime.UTC().Format(time.RFC3339)
	}

	cfg := maps.Clone(v.SMConfig)
	if cfg == nil {
		cfg = make(map[string]string, 2)
	}
	if v.CBTEnabled {
		cfg[keyCBTEnabled] = "true"
	}
	cfg[keySize] = strconv.FormatUint(v.Size, 10)
	rec.SetConfig(cfg)
	return rec
}

// fromRecord 把元数据卷记录转成 VDI，只包含记录里保存的属性
func fromRecord(srUUID string, rec metadata.Record) entity.VirtualDiskImage {
	cfg := rec.Config()
	v := entity.VirtualDiskImage{
		UUID:        rec.UUID,
		SRUUID:      srUUID,
		VDIType:     rec.VDIType,
		Label:       rec.Label,
		Description: rec.Description,
		SnapshotOf:  rec.SnapshotOf,
		IsSnapshot:  rec.IsSnapshot,
		ReadOnly:    rec.ReadOnly,
		CBTEnabled:  cfg[keyCBTEnabled] == "true",
	}
	if size, err := strconv.ParseUint(cfg[keySize], 10, 64); err == nil {
		v.Size = size
	}
	if t, err := time.Parse(time.RFC3339, rec.SnapshotTime); err == nil {
		v.SnapshotTime = t
	}
	delete(cfg, keyCBTEnabled)
	delete(cfg, keySize)
	if len(cfg) > 0 {
		v.SMConfig = cfg
	}
	return v
}
