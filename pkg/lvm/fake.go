package lvm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Fake 是 LVMClient 的内存实现
// 逻辑卷用 devDir 下的稀疏文件表示，激活时在 mapperDir 下创建映射项文件，
// 因此读写卷内容的代码（日志、元数据卷）可以直接在测试中运行。
type Fake struct {
	mu        sync.Mutex
	devDir    string
	mapperDir string
	vgs       map[string]*fakeVG
	devices   map[string]uint64
	open      map[string]bool
	failures  map[string]error
	calls     map[string][]any
}

type fakeVG struct {
	devices []string
	pvSize  uint64
	active  bool
	lvs     map[string]*LVInfo
}

var _ LVMClient = (*Fake)(nil)

// NewFake 创建 Fake，devDir 存放卷文件，mapperDir 存放映射项
func NewFake(devDir, mapperDir string) *Fake {
	return &Fake{
		devDir:    devDir,
		mapperDir: mapperDir,
		vgs:       make(map[string]*fakeVG),
		devices:   make(map[string]uint64),
		open:      make(map[string]bool),
		failures:  make(map[string]error),
		calls:     make(map[string][]any),
	}
}

// AddDevice 注册块设备
func (f *Fake) AddDevice(device string, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device] = size
}

// AddVG 直接创建一个已有的卷组
func (f *Fake) AddVG(vg string, size uint64, devices ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range devices {
		if _, ok := f.devices[d]; !ok {
			f.devices[d] = size / uint64(len(devices))
		}
	}
	f.vgs[vg] = &fakeVG{devices: devices, pvSize: size, lvs: make(map[string]*LVInfo)}
}

// SetDeviceSize 修改设备大小，模拟底层 LUN 扩容
func (f *Fake) SetDeviceSize(device string, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device] = size
}

// SetOpen 设置映射项是否有打开的句柄
func (f *Fake) SetOpen(path string, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[path] = open
}

// FailOn 让指定方法返回 err，err 为 nil 时取消
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls 返回指定方法每次调用的参数
func (f *Fake) Calls(method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.calls[method]...)
}

// CallCount 返回指定方法的调用次数
func (f *Fake) CallCount(method string) int {
	return len(f.Calls(method))
}

// LV 返回逻辑卷的当前状态
func (f *Fake) LV(vg, lv string) (LVInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vgs[vg]
	if !ok {
		return LVInfo{}, false
	}
	info, ok := v.lvs[lv]
	if !ok {
		return LVInfo{}, false
	}
	c := *info
	c.Tags = append([]string(nil), info.Tags...)
	return c, true
}

func (f *Fake) record(method string, arg any) error {
	f.calls[method] = append(f.calls[method], arg)
	return f.failures[method]
}

func (f *Fake) lv(vg, lv string) (*fakeVG, *LVInfo, error) {
	v, ok := f.vgs[vg]
	if !ok {
		return nil, nil, fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	info, ok := v.lvs[lv]
	if !ok {
		return v, nil, fmt.Errorf("logical volume %s/%s: %w", vg, lv, ErrNotFound)
	}
	return v, info, nil
}

func (f *Fake) VGExists(ctx context.Context, vg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VGExists", vg); err != nil {
		return false, err
	}
	_, ok := f.vgs[vg]
	return ok, nil
}

func (f *Fake) CreateVG(ctx context.Context, vg string, devices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVG", vg); err != nil {
		return err
	}
	if _, ok := f.vgs[vg]; ok {
		return fmt.Errorf("volume group %s already exists", vg)
	}
	var size uint64
	for _, d := range devices {
		s, ok := f.devices[d]
		if !ok {
			return fmt.Errorf("device %s: %w", d, ErrNotFound)
		}
		size += s
	}
	f.vgs[vg] = &fakeVG{devices: devices, pvSize: size, active: true, lvs: make(map[string]*LVInfo)}
	return os.MkdirAll(filepath.Join(f.devDir, vg), 0o755)
}

func (f *Fake) RemoveVG(ctx context.Context, vg string, devices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveVG", vg); err != nil {
		return err
	}
	if _, ok := f.vgs[vg]; !ok {
		return fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	delete(f.vgs, vg)
	return os.RemoveAll(filepath.Join(f.devDir, vg))
}

func (f *Fake) ActivateVG(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ActivateVG", vg); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	v.active = true
	return os.MkdirAll(filepath.Join(f.devDir, vg), 0o755)
}

func (f *Fake) DeactivateVG(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeactivateVG", vg); err != nil {
		return err
	}
	if v, ok := f.vgs[vg]; ok {
		v.active = false
	}
	return nil
}

func (f *Fake) VGStats(ctx context.Context, vg string) (*VGStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VGStats", vg); err != nil {
		return nil, err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return nil, fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	var used uint64
	for _, lv := range v.lvs {
		used += lv.Size
	}
	return &VGStats{Size: v.pvSize, Free: v.pvSize - used, ExtentSize: 4 << 20, PVSize: v.pvSize}, nil
}

func (f *Fake) DeviceSize(ctx context.Context, device string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeviceSize", device); err != nil {
		return 0, err
	}
	size, ok := f.devices[device]
	if !ok {
		return 0, fmt.Errorf("device %s: %w", device, ErrNotFound)
	}
	return size, nil
}

func (f *Fake) ResizePV(ctx context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizePV", device); err != nil {
		return err
	}
	for _, v := range f.vgs {
		for _, d := range v.devices {
			if d != device {
				continue
			}
			var size uint64
			for _, dd := range v.devices {
				size += f.devices[dd]
			}
			v.pvSize = size
			return nil
		}
	}
	return fmt.Errorf("physical volume %s: %w", device, ErrNotFound)
}

func (f *Fake) DeviceVG(ctx context.Context, device string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeviceVG", device); err != nil {
		return "", err
	}
	for name, v := range f.vgs {
		for _, d := range v.devices {
			if d == device {
				return name, nil
			}
		}
	}
	return "", nil
}

func (f *Fake) ListLVs(ctx context.Context, vg string) ([]LVInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListLVs", vg); err != nil {
		return nil, err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return nil, fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	lvs := make([]LVInfo, 0, len(v.lvs))
	for _, info := range v.lvs {
		c := *info
		c.Tags = append([]string(nil), info.Tags...)
		c.Open = f.open[DevMapperPath(f.mapperDir, vg, info.Name)]
		lvs = append(lvs, c)
	}
	sort.Slice(lvs, func(i, j int) bool { return lvs[i].Name < lvs[j].Name })
	return lvs, nil
}

func (f *Fake) LVExists(ctx context.Context, vg, lv string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LVExists", lv); err != nil {
		return false, err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return false, nil
	}
	_, ok = v.lvs[lv]
	return ok, nil
}

func (f *Fake) CreateLV(ctx context.Context, vg, lv string, size uint64, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateLV", lv); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return fmt.Errorf("volume group %s: %w", vg, ErrNotFound)
	}
	if _, ok := v.lvs[lv]; ok {
		return fmt.Errorf("logical volume %s/%s already exists", vg, lv)
	}
	var used uint64
	for _, info := range v.lvs {
		used += info.Size
	}
	if used+size > v.pvSize {
		return fmt.Errorf("insufficient free space in %s: need %d, free %d", vg, size, v.pvSize-used)
	}
	if err := f.writeFile(vg, lv, size); err != nil {
		return err
	}
	v.lvs[lv] = &LVInfo{Name: lv, Size: size, Active: true, Tags: append([]string(nil), tags...)}
	return f.touchMapper(vg, lv)
}

func (f *Fake) writeFile(vg, lv string, size uint64) error {
	if err := os.MkdirAll(filepath.Join(f.devDir, vg), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(f.devDir, vg, lv), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Truncate(int64(size))
}

func (f *Fake) touchMapper(vg, lv string) error {
	if f.mapperDir == "" {
		return nil
	}
	if err := os.MkdirAll(f.mapperDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(DevMapperPath(f.mapperDir, vg, lv), nil, 0o644)
}

func (f *Fake) RemoveLV(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLV", lv); err != nil {
		return err
	}
	v, _, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	if f.open[DevMapperPath(f.mapperDir, vg, lv)] {
		return fmt.Errorf("logical volume %s/%s in use", vg, lv)
	}
	delete(v.lvs, lv)
	_ = os.Remove(DevMapperPath(f.mapperDir, vg, lv))
	return os.Remove(filepath.Join(f.devDir, vg, lv))
}

func (f *Fake) RenameLV(ctx context.Context, vg, oldLV, newLV string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RenameLV", [2]string{oldLV, newLV}); err != nil {
		return err
	}
	v, info, err := f.lv(vg, oldLV)
	if err != nil {
		return err
	}
	if _, ok := v.lvs[newLV]; ok {
		return fmt.Errorf("logical volume %s/%s already exists", vg, newLV)
	}
	delete(v.lvs, oldLV)
	info.Name = newLV
	v.lvs[newLV] = info
	if info.Active {
		_ = os.Remove(DevMapperPath(f.mapperDir, vg, oldLV))
		if err := f.touchMapper(vg, newLV); err != nil {
			return err
		}
	}
	return os.Rename(filepath.Join(f.devDir, vg, oldLV), filepath.Join(f.devDir, vg, newLV))
}

func (f *Fake) ResizeLV(ctx context.Context, vg, lv string, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizeLV", lv); err != nil {
		return err
	}
	v, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	var used uint64
	for _, other := range v.lvs {
		used += other.Size
	}
	if size > info.Size && used-info.Size+size > v.pvSize {
		return fmt.Errorf("insufficient free space in %s", vg)
	}
	info.Size = size
	return f.writeFile(vg, lv, size)
}

func (f *Fake) ActivateLV(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ActivateLV", lv); err != nil {
		return err
	}
	_, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	info.Active = true
	return f.touchMapper(vg, lv)
}

func (f *Fake) DeactivateLV(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeactivateLV", lv); err != nil {
		return err
	}
	_, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	path := DevMapperPath(f.mapperDir, vg, lv)
	if f.open[path] {
		return fmt.Errorf("logical volume %s/%s in use", vg, lv)
	}
	info.Active = false
	_ = os.Remove(path)
	return nil
}

func (f *Fake) RefreshLV(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RefreshLV", lv); err != nil {
		return err
	}
	_, _, err := f.lv(vg, lv)
	return err
}

func (f *Fake) AddTag(ctx context.Context, vg, lv, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddTag", [2]string{lv, tag}); err != nil {
		return err
	}
	_, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	if !info.HasTag(tag) {
		info.Tags = append(info.Tags, tag)
	}
	return nil
}

func (f *Fake) RemoveTag(ctx context.Context, vg, lv, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveTag", [2]string{lv, tag}); err != nil {
		return err
	}
	_, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	tags := info.Tags[:0]
	for _, t := range info.Tags {
		if t != tag {
			tags = append(tags, t)
		}
	}
	info.Tags = tags
	return nil
}

func (f *Fake) SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetReadOnly", lv); err != nil {
		return err
	}
	_, info, err := f.lv(vg, lv)
	if err != nil {
		return err
	}
	info.ReadOnly = readOnly
	return nil
}

func (f *Fake) LVPath(vg, lv string) string {
	return filepath.Join(f.devDir, vg, lv)
}

func (f *Fake) ListDevMapperEntries(ctx context.Context, vg string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListDevMapperEntries", vg); err != nil {
		return nil, err
	}
	return filepath.Glob(DevMapperGlob(f.mapperDir, vg))
}

func (f *Fake) HasOpenHandles(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HasOpenHandles", path); err != nil {
		return false, err
	}
	return f.open[path], nil
}

// RemovedEntry 记录一次 RemoveDevMapperEntry 调用
type RemovedEntry struct {
	Path  string
	Force bool
}

func (f *Fake) RemoveDevMapperEntry(ctx context.Context, path string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveDevMapperEntry", RemovedEntry{Path: path, Force: force}); err != nil {
		return err
	}
	if f.open[path] && !force {
		return fmt.Errorf("device-mapper entry %s is busy", path)
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for vg, v := range f.vgs {
		for _, info := range v.lvs {
			if DevMapperPath(f.mapperDir, vg, info.Name) == path {
				info.Active = false
			}
		}
	}
	return nil
}
