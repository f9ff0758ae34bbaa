// Package shmsr 实现共享内存目录上的只读文件 SR
//
// location 目录下的每个文件是一个 VDI，只读且可共享，没有链管理。
package shmsr

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jimyag/jsm/internal/jsm/driver"
	"github.com/jimyag/jsm/internal/jsm/entity"
	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/smerror"
)

// Type SR 类型标识
const Type = "shm"

type deviceConfig struct {
	Location string `config:"location" validate:"required"`
}

// Driver 返回 shm 类型的驱动
func Driver() driver.Driver {
	return driver.Driver{Type: Type, New: New}
}

// SR 共享内存 SR
type SR struct {
	uuid     string
	params   driver.Params
	location string

	mu       sync.RWMutex
	loaded   bool
	attached bool
	vdis     map[string]entity.VirtualDiskImage
}

var _ driver.SR = (*SR)(nil)

// New 创建 SR 实例
func New(p driver.Params, _ driver.Env) (driver.SR, error) {
	return &SR{uuid: p.SRUUID, params: p, vdis: make(map[string]entity.VirtualDiskImage)}, nil
}

func (sr *SR) Load(ctx context.Context) error {
	var dc deviceConfig
	if err := driver.DecodeConfig(sr.uuid, sr.params.DeviceConfig, &dc); err != nil {
		return err
	}
	sr.mu.Lock()
	sr.location = dc.Location
	sr.loaded = true
	sr.mu.Unlock()
	return nil
}

func (sr *SR) requireLoaded() error {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if !sr.loaded {
		return smerror.New(smerror.CodeInvalidArgument, "SR is not loaded").WithObject(sr.uuid)
	}
	return nil
}

// loadVDIs 列出目录里的文件，目录不存在时视为空
func (sr *SR) loadVDIs(ctx context.Context) error {
	entries, err := os.ReadDir(sr.location)
	if err != nil && !os.IsNotExist(err) {
		return smerror.Wrap(smerror.CodeSRUnavailable, "failed to list "+sr.location, err).WithObject(sr.uuid)
	}

	vdis := make(map[string]entity.VirtualDiskImage, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v := sr.fileVDI(e.Name())
		vdis[v.UUID] = v
	}

	sr.mu.Lock()
	sr.vdis = vdis
	sr.mu.Unlock()
	zerolog.Ctx(ctx).Debug().Str("sr_uuid", sr.uuid).Int("vdis", len(vdis)).Msg("SHM SR scanned")
	return nil
}

func (sr *SR) fileVDI(name string) entity.VirtualDiskImage {
	path := filepath.Join(sr.location, name)
	v := entity.VirtualDiskImage{
		UUID:      idgen.NameUUID(path),
		SRUUID:    sr.uuid,
		Path:      path,
		VDIType:   entity.VDITypeFile,
		Label:     name,
		ReadOnly:  true,
		Shareable: true,
		SMConfig:  map[string]string{},
	}
	if st, err := os.Stat(path); err == nil {
		v.Size = uint64(st.Size())
		v.Utilisation = uint64(st.Size())
	}
	return v
}

func (sr *SR) Attach(ctx context.Context) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	if err := sr.loadVDIs(ctx); err != nil {
		return err
	}
	sr.mu.Lock()
	sr.attached = true
	sr.mu.Unlock()
	return nil
}

func (sr *SR) Detach(ctx context.Context) error {
	sr.mu.Lock()
	sr.attached = false
	sr.mu.Unlock()
	return nil
}

func (sr *SR) Scan(ctx context.Context) error {
	if err := sr.requireLoaded(); err != nil {
		return err
	}
	return sr.loadVDIs(ctx)
}

// Create 与挂载再卸载相同
func (sr *SR) Create(ctx context.Context, _ uint64) error {
	if err := sr.Attach(ctx); err != nil {
		return err
	}
	return sr.Detach(ctx)
}

func (sr *SR) Delete(ctx context.Context) error {
	return smerror.New(smerror.CodeUnsupported, "SHM SR cannot be deleted").WithObject(sr.uuid)
}

func (sr *SR) Probe(ctx context.Context) (string, error) {
	return "", smerror.New(smerror.CodeUnsupported, "SHM SR cannot be probed").WithObject(sr.uuid)
}

// VDI 按 UUID 查找，找不到时把 uuid 当作 location 下的文件名
func (sr *SR) VDI(ctx context.Context, uuid string) (driver.VDI, error) {
	if err := sr.requireLoaded(); err != nil {
		return nil, err
	}
	sr.mu.RLock()
	v, ok := sr.vdis[uuid]
	sr.mu.RUnlock()
	if !ok {
		v = sr.fileVDI(filepath.Base(uuid))
	}
	return &vdi{sr: sr, info: v}, nil
}

func (sr *SR) Info() entity.StorageRepository {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return entity.StorageRepository{
		UUID:     sr.uuid,
		Type:     Type,
		Attached: sr.attached,
		SMConfig: sr.params.SMConfig,
		VDICount: len(sr.vdis),
	}
}

func (sr *SR) VDIs() []entity.VirtualDiskImage {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]entity.VirtualDiskImage, 0, len(sr.vdis))
	for _, v := range sr.vdis {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

type vdi struct {
	sr   *SR
	info entity.VirtualDiskImage
}

var _ driver.VDI = (*vdi)(nil)

type attachConfig struct {
	SRUUID   string `yaml:"sr_uuid"`
	SRType   string `yaml:"sr_type"`
	VDIUUID  string `yaml:"vdi_uuid"`
	Location string `yaml:"location"`
	Path     string `yaml:"path"`
}

func (v *vdi) UUID() string {
	return v.info.UUID
}

func (v *vdi) unsupported(op string) error {
	return smerror.Newf(smerror.CodeUnsupported, "%s is not supported by SHM SR", op).WithObject(v.info.UUID)
}

// exists 文件必须存在
func (v *vdi) exists() error {
	if _, err := os.Stat(v.info.Path); err != nil {
		return smerror.Wrap(smerror.CodeVDINotFound, "VDI file not found", err).WithObject(v.info.UUID)
	}
	return nil
}

func (v *vdi) Info(ctx context.Context) (*entity.VirtualDiskImage, error) {
	if err := v.exists(); err != nil {
		return nil, err
	}
	info := v.sr.fileVDI(filepath.Base(v.info.Path))
	return &info, nil
}

func (v *vdi) Create(ctx context.Context, _ *entity.CreateVDIRequest) (*entity.VirtualDiskImage, error) {
	return nil, v.unsupported("VDI create")
}

func (v *vdi) Delete(ctx context.Context) error {
	return v.unsupported("VDI delete")
}

func (v *vdi) Attach(ctx context.Context, writable bool) (string, error) {
	if err := v.Activate(ctx, writable); err != nil {
		return "", err
	}
	return v.info.Path, nil
}

func (v *vdi) Detach(ctx context.Context) error {
	return nil
}

func (v *vdi) Activate(ctx context.Context, writable bool) error {
	if writable {
		return smerror.Newf(smerror.CodeInvalidArgument, "VDI %s is read-only", v.info.UUID).WithObject(v.info.UUID)
	}
	return v.exists()
}

func (v *vdi) Deactivate(ctx context.Context) error {
	return nil
}

// Clone 文件 VDI 不复制，返回自身
func (v *vdi) Clone(ctx context.Context) (*entity.VirtualDiskImage, error) {
	return v.Info(ctx)
}

// Snapshot 同 Clone
func (v *vdi) Snapshot(ctx context.Context, _ entity.SnapshotOptions) (*entity.VirtualDiskImage, error) {
	return v.Info(ctx)
}

func (v *vdi) Resize(ctx context.Context, _ uint64) (*entity.VirtualDiskImage, error) {
	return nil, v.unsupported("VDI resize")
}

func (v *vdi) GenerateConfig(ctx context.Context) ([]byte, error) {
	if err := v.exists(); err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(&attachConfig{
		SRUUID:   v.sr.uuid,
		SRType:   Type,
		VDIUUID:  v.info.UUID,
		Location: v.sr.location,
		Path:     v.info.Path,
	})
	if err != nil {
		return nil, smerror.Wrap(smerror.CodeInternal, "failed to encode attach config", err).WithObject(v.info.UUID)
	}
	return out, nil
}

func (v *vdi) AttachFromConfig(ctx context.Context, config []byte) (string, error) {
	var cfg attachConfig
	if err := yaml.Unmarshal(config, &cfg); err != nil {
		return "", smerror.Wrap(smerror.CodeInvalidArgument, "invalid attach config", err).WithObject(v.info.UUID)
	}
	if cfg.SRUUID != v.sr.uuid || cfg.VDIUUID != v.info.UUID {
		return "", smerror.Newf(smerror.CodeInvalidArgument, "attach config is for %s/%s", cfg.SRUUID, cfg.VDIUUID).WithObject(v.info.UUID)
	}
	return v.Attach(ctx, false)
}
