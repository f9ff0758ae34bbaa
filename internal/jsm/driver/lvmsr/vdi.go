package lvmsr

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jimyag/jsm/internal/jsm/chain"
	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/internal/jsm/lock"
	"github.com/jimyag/jsm/pkg/cowutil"
	"github.com/jimyag/jsm/pkg/smerror"
)

// vdi LVM SR 中的 VDI 句柄
type vdi struct {
	sr   *SR
	uuid string
}

var _ driver.VDI = (*vdi)(nil)

// attachConfig 在没有 SR 会话的进程里重新挂载 VDI 所需的全部信息
type attachConfig struct {
	SRUUID       string            `yaml:"sr_uuid"`
	SRType       string            `yaml:"sr_type"`
	VDIUUID      string            `yaml:"vdi_uuid"`
	DeviceConfig map[string]string `yaml:"device_config"`
	SMConfig     map[string]string `yaml:"sm_config,omitempty"`
	Writable     bool              `yaml:"writable"`
}

func (v *vdi) logger(ctx context.Context) zerolog.Logger {
	return zerolog.Ctx(ctx).With().Str("sr_uuid", v.sr.uuid).Str("vdi_uuid", v.uuid).Logger()
}

func (v *vdi) UUID() string {
	return v.uuid
}

func (v *vdi) Info(ctx context.Context) (*entity.VirtualDiskImage, error) {
	cur, ok := v.sr.lookup(v.uuid)
	if !ok {
		return nil, v.sr.vdiNotFound(v.uuid)
	}
	return &cur, nil
}

// structural 在 master 上持有 SR 锁执行结构性修改
func (v *vdi) structural(ctx context.Context, op string, fn func() error) error {
	if err := v.sr.requireAttached(); err != nil {
		return err
	}
	if err := v.sr.requireMaster(op); err != nil {
		return err
	}
	return lock.WithLock(ctx, v.sr.lock, fn)
}

// Create 创建根卷，VDIType 为空时使用 SR 的默认格式
func (v *vdi) Create(ctx context.Context, req *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error) {
	format := v.sr.leafFormat
	if req.VDIType != "" {
		format = cowutil.Format(req.VDIType)
	}

	var out entity.VirtualDiskImage
	err := v.structural(ctx, "VDI create", func() error {
		node, err := v.sr.engine.Create(ctx, v.uuid, format, req.Size)
		if err != nil {
			return err
		}
		rec := entity.VirtualDiskImage{
			UUID:        v.uuid,
			SRUUID:      v.sr.uuid,
			VDIType:     string(format),
			Label:       req.Label,
			Description: req.Description,
			SMConfig:    maps.Clone(req.SMConfig),
		}
		out, err = v.sr.commit(ctx, node, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := v.logger(ctx)
	logger.Info().Str("vdi_type", out.VDIType).Uint64("size", out.Size).Msg("VDI created")
	return &out, nil
}

// Delete 删除 VDI，有子节点时只隐藏，由后台合并回收
func (v *vdi) Delete(ctx context.Context) error {
	err := v.structural(ctx, "VDI delete", func() error {
		if _, ok := v.sr.lookup(v.uuid); !ok {
			return v.sr.vdiNotFound(v.uuid)
		}
		if err := v.sr.engine.Delete(ctx, v.uuid); err != nil {
			return err
		}
		return v.sr.forget(ctx, v.uuid)
	})
	if err != nil {
		return err
	}

	v.sr.kickCoalesce(ctx)
	logger := v.logger(ctx)
	logger.Info().Msg("VDI deleted")
	return nil
}

// activate 激活 VDI 整条链，返回叶子的设备路径
func (v *vdi) activate(ctx context.Context, writable bool) (string, error) {
	if err := v.sr.requireAttached(); err != nil {
		return "", err
	}
	cur, ok := v.sr.lookup(v.uuid)
	if !ok {
		return "", v.sr.vdiNotFound(v.uuid)
	}
	if writable && cur.ReadOnly {
		return "", smerror.Newf(smerror.CodeInvalidArgument, "VDI %s is read-only", v.uuid).WithObject(v.uuid)
	}
	// thin 模式下可写挂载要扩容叶子，只有 master 能做
	if writable && v.sr.thin && !v.sr.master {
		return "", smerror.New(smerror.CodeNotMaster, "writable attach of a thin VDI must be prepared by the master").WithObject(v.uuid)
	}

	var path string
	err := lock.WithLock(ctx, v.sr.lock, func() error {
		var err error
		path, err = v.sr.engine.ActivateLeaf(ctx, v.uuid, writable)
		return err
	})
	if err != nil {
		return "", err
	}
	v.sr.setActive(v.uuid, true)
	return path, nil
}

func (v *vdi) Attach(ctx context.Context, writable bool) (string, error) {
	path, err := v.activate(ctx, writable)
	if err != nil {
		return "", err
	}
	logger := v.logger(ctx)
	logger.Info().Bool("writable", writable).Str("path", path).Msg("VDI attached")
	return path, nil
}

func (v *vdi) Activate(ctx context.Context, writable bool) error {
	_, err := v.activate(ctx, writable)
	return err
}

func (v *vdi) Deactivate(ctx context.Context) error {
	if err := v.sr.requireAttached(); err != nil {
		return err
	}
	if _, ok := v.sr.lookup(v.uuid); !ok {
		return v.sr.vdiNotFound(v.uuid)
	}
	err := lock.WithLock(ctx, v.sr.lock, func() error {
		return v.sr.engine.DeactivateLeaf(ctx, v.uuid)
	})
	if err != nil {
		return err
	}
	v.sr.setActive(v.uuid, false)
	return nil
}

func (v *vdi) Detach(ctx context.Context) error {
	if err := v.Deactivate(ctx); err != nil {
		return err
	}
	logger := v.logger(ctx)
	logger.Info().Msg("VDI detached")
	return nil
}

// Clone 克隆 VDI，返回新的可写 VDI
func (v *vdi) Clone(ctx context.Context) (*entity.VirtualDiskImage, error) {
	var out entity.VirtualDiskImage
	err := v.structural(ctx, "VDI clone", func() error {
		src, ok := v.sr.lookup(v.uuid)
		if !ok {
			return v.sr.vdiNotFound(v.uuid)
		}
		res, err := v.sr.engine.Clone(ctx, v.uuid)
		if err != nil {
			return err
		}
		// 原 VDI 现在指向新叶子
		if _, err := v.sr.commit(ctx, res.Leaf, src); err != nil {
			return err
		}

		rec := entity.VirtualDiskImage{
			UUID:        res.Clone.ID,
			SRUUID:      v.sr.uuid,
			Label:       src.Label,
			Description: src.Description,
			SMConfig:    maps.Clone(src.SMConfig),
		}
		out, err = v.sr.commit(ctx, *res.Clone, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := v.logger(ctx)
	logger.Info().Str("clone_uuid", out.UUID).Msg("VDI cloned")
	return &out, nil
}

// Snapshot 给 VDI 打只读快照，需要 CBT 时 SR 必须支持
func (v *vdi) Snapshot(ctx context.Context, opts entity.SnapshotOptions) (*entity.VirtualDiskImage, error) {
	typ := chain.SnapshotType(opts.Type)
	if typ == "" {
		typ = chain.SnapshotDouble
	}

	var out entity.VirtualDiskImage
	err := v.structural(ctx, "VDI snapshot", func() error {
		src, ok := v.sr.lookup(v.uuid)
		if !ok {
			return v.sr.vdiNotFound(v.uuid)
		}
		cbt := opts.CBT || src.CBTEnabled
		if cbt && !v.sr.cbt {
			return smerror.New(smerror.CodeUnsupported, "SR does not support changed block tracking").WithObject(v.uuid)
		}

		res, err := v.sr.engine.Snapshot(ctx, v.uuid, chain.SnapshotOptions{Type: typ, CBT: cbt})
		if err != nil {
			return err
		}
		leaf := src
		leaf.CBTEnabled = cbt
		if _, err := v.sr.commit(ctx, res.Leaf, leaf); err != nil {
			return err
		}

		snap := res.Base
		if res.Clone != nil {
			snap = *res.Clone
		}
		rec := entity.VirtualDiskImage{
			UUID:         snap.ID,
			SRUUID:       v.sr.uuid,
			Label:        src.Label,
			Description:  src.Description,
			SMConfig:     maps.Clone(src.SMConfig),
			ReadOnly:     true,
			IsSnapshot:   true,
			SnapshotOf:   v.uuid,
			SnapshotTime: time.Now().UTC().Truncate(time.Second),
			CBTEnabled:   cbt,
		}
		if opts.Label != "" {
			rec.Label = opts.Label
		}
		if opts.Description != "" {
			rec.Description = opts.Description
		}
		out, err = v.sr.commit(ctx, snap, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := v.logger(ctx)
	logger.Info().Str("snapshot_uuid", out.UUID).Str("type", string(typ)).Msg("VDI snapshotted")
	return &out, nil
}

// Resize 扩大 VDI 的虚拟大小
func (v *vdi) Resize(ctx context.Context, size uint64) (*entity.VirtualDiskImage, error) {
	var out entity.VirtualDiskImage
	err := v.structural(ctx, "VDI resize", func() error {
		cur, ok := v.sr.lookup(v.uuid)
		if !ok {
			return v.sr.vdiNotFound(v.uuid)
		}
		node, err := v.sr.engine.Resize(ctx, v.uuid, size)
		if err != nil {
			return err
		}
		out, err = v.sr.commit(ctx, node, cur)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateConfig 生成 AttachFromConfig 使用的 YAML
func (v *vdi) GenerateConfig(ctx context.Context) ([]byte, error) {
	cur, ok := v.sr.lookup(v.uuid)
	if !ok {
		return nil, v.sr.vdiNotFound(v.uuid)
	}
	cfg := attachConfig{
		SRUUID:       v.sr.uuid,
		SRType:       Type,
		VDIUUID:      v.uuid,
		DeviceConfig: v.sr.params.DeviceConfig,
		SMConfig:     v.sr.params.SMConfig,
		Writable:     !cur.ReadOnly,
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, smerror.Wrap(smerror.CodeInternal, "failed to encode attach config", err).WithObject(v.uuid)
	}
	return out, nil
}

// AttachFromConfig 用 GenerateConfig 的结果挂载 VDI
// SR 还没有挂载时只激活卷组并加载链，不回放日志
func (v *vdi) AttachFromConfig(ctx context.Context, config []byte) (string, error) {
	var cfg attachConfig
	if err := yaml.Unmarshal(config, &cfg); err != nil {
		return "", smerror.Wrap(smerror.CodeInvalidArgument, "invalid attach config", err).WithObject(v.uuid)
	}
	if cfg.SRUUID != v.sr.uuid || cfg.VDIUUID != v.uuid {
		return "", smerror.Newf(smerror.CodeInvalidArgument, "attach config is for %s/%s", cfg.SRUUID, cfg.VDIUUID).WithObject(v.uuid)
	}

	var path string
	err := lock.WithLock(ctx, v.sr.lock, func() error {
		if !v.sr.isAttached() {
			if err := v.sr.env.LVM.ActivateVG(ctx, v.sr.vg); err != nil {
				return smerror.Wrap(smerror.CodeSRUnavailable, "failed to activate volume group", err).WithObject(v.sr.uuid)
			}
			if _, err := v.sr.engine.Load(ctx); err != nil {
				return err
			}
		}
		var err error
		path, err = v.sr.engine.ActivateLeaf(ctx, v.uuid, cfg.Writable)
		return err
	})
	if err != nil {
		return "", err
	}

	logger := v.logger(ctx)
	logger.Info().Bool("writable", cfg.Writable).Str("path", path).Msg("VDI attached from config")
	return path, nil
}

// setActive 更新 VDI 表中的激活状态
func (sr *SR) setActive(uuid string, active bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if v, ok := sr.vdis[uuid]; ok {
		v.Active = active
		sr.vdis[uuid] = v
	}
}
