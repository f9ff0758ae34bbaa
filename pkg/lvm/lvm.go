package lvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client 通过命令行工具操作 LVM 与 device-mapper
type Client struct {
	devDir       string
	devMapperDir string
	timeout      time.Duration
}

var _ LVMClient = (*Client)(nil)

// New 创建新的 LVM client
func New() *Client {
	return &Client{
		devDir:       DefaultDevDir,
		devMapperDir: DefaultDevMapperDir,
		timeout:      2 * time.Minute,
	}
}

// WithTimeout 设置单条命令的超时时间
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// WithDevDirs 设置设备目录，测试时指向临时目录
func (c *Client) WithDevDirs(devDir, devMapperDir string) *Client {
	c.devDir = devDir
	c.devMapperDir = devMapperDir
	return c
}

// CommandError 命令执行失败
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %v, output: %s", e.Command, e.ExitCode, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (c *Client) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		cmdErr := &CommandError{
			Command:  name + " " + strings.Join(args, " "),
			ExitCode: -1,
			Output:   strings.TrimSpace(string(output)),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		if cmdErr.ExitCode == 5 {
			return "", fmt.Errorf("%w: %w", ErrNotFound, cmdErr)
		}
		return "", cmdErr
	}
	return string(output), nil
}

func lvRef(vg, lv string) string {
	return vg + "/" + lv
}

// VGExists 检查卷组是否存在
func (c *Client) VGExists(ctx context.Context, vg string) (bool, error) {
	_, err := c.run(ctx, "vgs", "--noheadings", "-o", "vg_name", vg)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check volume group %s: %w", vg, err)
	}
	return true, nil
}

// CreateVG 在设备上创建卷组
func (c *Client) CreateVG(ctx context.Context, vg string, devices []string) error {
	for _, dev := range devices {
		if _, err := c.run(ctx, "pvcreate", "-ff", "-y", "--metadatasize", "10M", dev); err != nil {
			return fmt.Errorf("failed to create physical volume %s: %w", dev, err)
		}
	}
	args := append([]string{vg}, devices...)
	if _, err := c.run(ctx, "vgcreate", args...); err != nil {
		return fmt.Errorf("failed to create volume group %s: %w", vg, err)
	}
	zerolog.Ctx(ctx).Info().Str("vg", vg).Strs("devices", devices).Msg("Volume group created")
	return nil
}

// RemoveVG 删除卷组以及设备上的 PV 标签
func (c *Client) RemoveVG(ctx context.Context, vg string, devices []string) error {
	if _, err := c.run(ctx, "vgremove", "-f", vg); err != nil {
		return fmt.Errorf("failed to remove volume group %s: %w", vg, err)
	}
	for _, dev := range devices {
		if _, err := c.run(ctx, "pvremove", "-ff", "-y", dev); err != nil {
			return fmt.Errorf("failed to remove physical volume %s: %w", dev, err)
		}
	}
	return nil
}

// ActivateVG 激活卷组
func (c *Client) ActivateVG(ctx context.Context, vg string) error {
	if _, err := c.run(ctx, "vgchange", "-ay", vg); err != nil {
		return fmt.Errorf("failed to activate volume group %s: %w", vg, err)
	}
	return nil
}

// DeactivateVG 停用卷组
func (c *Client) DeactivateVG(ctx context.Context, vg string) error {
	if _, err := c.run(ctx, "vgchange", "-an", vg); err != nil {
		return fmt.Errorf("failed to deactivate volume group %s: %w", vg, err)
	}
	return nil
}

// VGStats 获取卷组容量
func (c *Client) VGStats(ctx context.Context, vg string) (*VGStats, error) {
	output, err := c.run(ctx, "vgs", "--noheadings", "--nosuffix", "--units", "b", "--separator", "|",
		"-o", "vg_size,vg_free,vg_extent_size", vg)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats of volume group %s: %w", vg, err)
	}
	stats, err := parseVGStats(output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stats of volume group %s: %w", vg, err)
	}

	output, err = c.run(ctx, "pvs", "--noheadings", "--nosuffix", "--units", "b",
		"-o", "pv_size", "--select", "vg_name="+vg)
	if err != nil {
		return nil, fmt.Errorf("failed to get physical volumes of %s: %w", vg, err)
	}
	for _, line := range strings.Fields(output) {
		size, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pv size %q: %w", line, err)
		}
		stats.PVSize += size
	}
	return stats, nil
}

func parseVGStats(output string) (*VGStats, error) {
	fields := strings.Split(strings.TrimSpace(output), "|")
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected vgs output %q", output)
	}
	values := make([]uint64, 3)
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", f, err)
		}
		values[i] = v
	}
	return &VGStats{Size: values[0], Free: values[1], ExtentSize: values[2]}, nil
}

// DeviceSize 获取块设备大小
func (c *Client) DeviceSize(ctx context.Context, device string) (uint64, error) {
	output, err := c.run(ctx, "blockdev", "--getsize64", device)
	if err != nil {
		return 0, fmt.Errorf("failed to get size of %s: %w", device, err)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(output), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of %s: %w", device, err)
	}
	return size, nil
}

// ResizePV 让 PV 占满已扩容的设备
func (c *Client) ResizePV(ctx context.Context, device string) error {
	if _, err := c.run(ctx, "pvresize", device); err != nil {
		return fmt.Errorf("failed to resize physical volume %s: %w", device, err)
	}
	zerolog.Ctx(ctx).Info().Str("device", device).Msg("Physical volume resized")
	return nil
}

// DeviceVG 返回设备上 PV 所属的卷组
func (c *Client) DeviceVG(ctx context.Context, device string) (string, error) {
	output, err := c.run(ctx, "pvs", "--noheadings", "-o", "vg_name", device)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query physical volume %s: %w", device, err)
	}
	return strings.TrimSpace(output), nil
}

// ListLVs 列出卷组的所有逻辑卷
func (c *Client) ListLVs(ctx context.Context, vg string) ([]LVInfo, error) {
	output, err := c.run(ctx, "lvs", "--noheadings", "--nosuffix", "--units", "b", "--separator", "|",
		"-o", "lv_name,lv_size,lv_attr,lv_tags", vg)
	if err != nil {
		return nil, fmt.Errorf("failed to list logical volumes of %s: %w", vg, err)
	}
	return parseLVs(output)
}

// parseLVs 解析 lvs 输出，lv_attr 第 2 位是权限，第 5 位是激活状态，第 6 位是打开状态
func parseLVs(output string) ([]LVInfo, error) {
	var lvs []LVInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected lvs line %q", line)
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse size of %s: %w", fields[0], err)
		}
		attr := fields[2]
		if len(attr) < 6 {
			return nil, fmt.Errorf("unexpected lv_attr %q", attr)
		}
		info := LVInfo{
			Name:     fields[0],
			Size:     size,
			ReadOnly: attr[1] == 'r',
			Active:   attr[4] == 'a',
			Open:     attr[5] == 'o',
		}
		if fields[3] != "" {
			info.Tags = strings.Split(fields[3], ",")
		}
		lvs = append(lvs, info)
	}
	return lvs, nil
}

// LVExists 检查逻辑卷是否存在
func (c *Client) LVExists(ctx context.Context, vg, lv string) (bool, error) {
	_, err := c.run(ctx, "lvs", "--noheadings", "-o", "lv_name", lvRef(vg, lv))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check logical volume %s: %w", lvRef(vg, lv), err)
	}
	return true, nil
}

// CreateLV 创建逻辑卷
func (c *Client) CreateLV(ctx context.Context, vg, lv string, size uint64, tags []string) error {
	args := []string{"-n", lv, "-L", fmt.Sprintf("%db", size), "-W", "n", "-y"}
	for _, tag := range tags {
		args = append(args, "--addtag", tag)
	}
	args = append(args, vg)
	if _, err := c.run(ctx, "lvcreate", args...); err != nil {
		return fmt.Errorf("failed to create logical volume %s: %w", lvRef(vg, lv), err)
	}
	zerolog.Ctx(ctx).Debug().Str("vg", vg).Str("lv_name", lv).Uint64("size", size).Msg("Logical volume created")
	return nil
}

// RemoveLV 删除逻辑卷
func (c *Client) RemoveLV(ctx context.Context, vg, lv string) error {
	if _, err := c.run(ctx, "lvremove", "-f", lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to remove logical volume %s: %w", lvRef(vg, lv), err)
	}
	zerolog.Ctx(ctx).Debug().Str("vg", vg).Str("lv_name", lv).Msg("Logical volume removed")
	return nil
}

// RenameLV 重命名逻辑卷
func (c *Client) RenameLV(ctx context.Context, vg, oldLV, newLV string) error {
	if _, err := c.run(ctx, "lvrename", vg, oldLV, newLV); err != nil {
		return fmt.Errorf("failed to rename logical volume %s to %s: %w", lvRef(vg, oldLV), newLV, err)
	}
	return nil
}

// ResizeLV 调整逻辑卷大小
func (c *Client) ResizeLV(ctx context.Context, vg, lv string, size uint64) error {
	if _, err := c.run(ctx, "lvresize", "-L", fmt.Sprintf("%db", size), "-f", lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to resize logical volume %s: %w", lvRef(vg, lv), err)
	}
	zerolog.Ctx(ctx).Debug().Str("vg", vg).Str("lv_name", lv).Uint64("size", size).Msg("Logical volume resized")
	return nil
}

// ActivateLV 激活逻辑卷
func (c *Client) ActivateLV(ctx context.Context, vg, lv string) error {
	if _, err := c.run(ctx, "lvchange", "-ay", lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to activate logical volume %s: %w", lvRef(vg, lv), err)
	}
	return nil
}

// DeactivateLV 停用逻辑卷
func (c *Client) DeactivateLV(ctx context.Context, vg, lv string) error {
	if _, err := c.run(ctx, "lvchange", "-an", lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to deactivate logical volume %s: %w", lvRef(vg, lv), err)
	}
	return nil
}

// RefreshLV 重新加载逻辑卷的映射
func (c *Client) RefreshLV(ctx context.Context, vg, lv string) error {
	if _, err := c.run(ctx, "lvchange", "--refresh", lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to refresh logical volume %s: %w", lvRef(vg, lv), err)
	}
	return nil
}

// AddTag 给逻辑卷添加 tag
func (c *Client) AddTag(ctx context.Context, vg, lv, tag string) error {
	if _, err := c.run(ctx, "lvchange", "--addtag", tag, lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to add tag %s to %s: %w", tag, lvRef(vg, lv), err)
	}
	return nil
}

// RemoveTag 删除逻辑卷的 tag
func (c *Client) RemoveTag(ctx context.Context, vg, lv, tag string) error {
	if _, err := c.run(ctx, "lvchange", "--deltag", tag, lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to remove tag %s from %s: %w", tag, lvRef(vg, lv), err)
	}
	return nil
}

// SetReadOnly 修改逻辑卷的读写权限
func (c *Client) SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error {
	perm := "rw"
	if readOnly {
		perm = "r"
	}
	if _, err := c.run(ctx, "lvchange", "-p", perm, lvRef(vg, lv)); err != nil {
		return fmt.Errorf("failed to set permission %s on %s: %w", perm, lvRef(vg, lv), err)
	}
	return nil
}

// LVPath 返回逻辑卷的设备路径
func (c *Client) LVPath(vg, lv string) string {
	return filepath.Join(c.devDir, vg, lv)
}

// ListDevMapperEntries 列出卷组在 device-mapper 中的所有映射项路径
func (c *Client) ListDevMapperEntries(ctx context.Context, vg string) ([]string, error) {
	entries, err := filepath.Glob(DevMapperGlob(c.devMapperDir, vg))
	if err != nil {
		return nil, fmt.Errorf("failed to list device-mapper entries of %s: %w", vg, err)
	}
	return entries, nil
}

// HasOpenHandles 检查映射项是否仍被打开
func (c *Client) HasOpenHandles(ctx context.Context, path string) (bool, error) {
	output, err := c.run(ctx, "dmsetup", "info", "-c", "--noheadings", "-o", "open", filepath.Base(path))
	if err != nil {
		return false, fmt.Errorf("failed to query open count of %s: %w", path, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return false, fmt.Errorf("failed to parse open count of %s: %w", path, err)
	}
	return count > 0, nil
}

// RemoveDevMapperEntry 删除映射项，映射项已不存在时直接返回
func (c *Client) RemoveDevMapperEntry(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	args := []string{"remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, filepath.Base(path))
	if _, err := c.run(ctx, "dmsetup", args...); err != nil {
		return fmt.Errorf("failed to remove device-mapper entry %s: %w", path, err)
	}
	zerolog.Ctx(ctx).Debug().Str("path", path).Bool("force", force).Msg("Device-mapper entry removed")
	return nil
}
