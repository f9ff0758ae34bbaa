package vhdutil

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jimyag/jsm/pkg/cowutil"
)

const (
	// BlockSize VHD 数据块大小
	BlockSize = 2 << 20
	// MaxChainSize vhd-util 支持的最大链长度
	MaxChainSize = 30
	// MaxSize VHD 支持的最大虚拟大小
	MaxSize = 2040 << 30

	mib = 1 << 20
)

// Client 封装 vhd-util 命令行工具的操作
type Client struct {
	vhdUtilPath string
	timeout     time.Duration
}

var _ cowutil.Util = (*Client)(nil)

// New 创建新的 vhd-util client
// vhdUtilPath 为空时使用 "vhd-util"
func New(vhdUtilPath string) *Client {
	if vhdUtilPath == "" {
		vhdUtilPath = "vhd-util"
	}
	return &Client{
		vhdUtilPath: vhdUtilPath,
		timeout:     30 * time.Minute,
	}
}

// WithTimeout 设置操作超时时间
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args = append([]string{args[0], "--debug"}, args[1:]...)
	cmd := exec.CommandContext(ctx, c.vhdUtilPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("vhd-util %s failed: %w, output: %s", args[0], err, string(output))
	}
	return string(output), nil
}

// Format 实现 cowutil.Util
func (c *Client) Format() cowutil.Format {
	return cowutil.FormatVHD
}

// GetInfo 读取虚拟大小、实际大小、hidden 标记和父定位器
func (c *Client) GetInfo(ctx context.Context, path string) (*cowutil.Info, error) {
	output, err := c.run(ctx, 30*time.Second, "query", "-vsf", "-n", path)
	if err != nil {
		return nil, fmt.Errorf("failed to query vhd %s: %w", path, err)
	}
	info, err := parseQuery(output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vhd info for %s: %w", path, err)
	}
	info.Path = path

	parent, err := c.GetParent(ctx, path)
	if err != nil {
		return nil, err
	}
	info.ParentPath = parent
	return info, nil
}

// parseQuery 解析 query -vsf 的输出：
//
//	20480
//	10739318784
//	hidden: 0
func parseQuery(output string) (*cowutil.Info, error) {
	lines := nonEmptyLines(output)
	if len(lines) < 3 {
		return nil, fmt.Errorf("unexpected output %q", output)
	}

	sizeMB, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse virtual size %q: %w", lines[0], err)
	}
	sizePhys, err := strconv.ParseUint(lines[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse physical size %q: %w", lines[1], err)
	}
	hidden, err := parseHidden(lines[2])
	if err != nil {
		return nil, err
	}

	return &cowutil.Info{
		SizeVirt: sizeMB * mib,
		SizePhys: sizePhys,
		Hidden:   hidden,
	}, nil
}

func parseHidden(line string) (bool, error) {
	value, ok := strings.CutPrefix(line, "hidden:")
	if !ok {
		return false, fmt.Errorf("unexpected hidden line %q", line)
	}
	return strings.TrimSpace(value) != "0", nil
}

func nonEmptyLines(output string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// GetDepth 返回链深度，vhd-util 的 chain depth 从 1 开始计数
func (c *Client) GetDepth(ctx context.Context, path string) (int, error) {
	output, err := c.run(ctx, 30*time.Second, "query", "-d", "-n", path)
	if err != nil {
		return 0, fmt.Errorf("failed to query depth of %s: %w", path, err)
	}
	return parseDepth(output)
}

func parseDepth(output string) (int, error) {
	for _, line := range nonEmptyLines(output) {
		value, ok := strings.CutPrefix(line, "chain depth:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("parse chain depth %q: %w", line, err)
		}
		if n < 1 {
			return 0, fmt.Errorf("invalid chain depth %d", n)
		}
		return n - 1, nil
	}
	return 0, fmt.Errorf("chain depth not found in %q", output)
}

// GetParent 返回父定位器，没有父节点时返回空字符串
func (c *Client) GetParent(ctx context.Context, path string) (string, error) {
	output, err := c.run(ctx, 30*time.Second, "query", "-p", "-n", path)
	if err != nil {
		return "", fmt.Errorf("failed to query parent of %s: %w", path, err)
	}
	return parseParent(output), nil
}

func parseParent(output string) string {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return ""
	}
	last := lines[len(lines)-1]
	if strings.Contains(last, "has no parent") || strings.Contains(last, "query failed") {
		return ""
	}
	return last
}

// GetHidden 读取 hidden 标记
func (c *Client) GetHidden(ctx context.Context, path string) (bool, error) {
	output, err := c.run(ctx, 30*time.Second, "query", "-f", "-n", path)
	if err != nil {
		return false, fmt.Errorf("failed to query hidden flag of %s: %w", path, err)
	}
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return false, fmt.Errorf("empty hidden output for %s", path)
	}
	return parseHidden(lines[len(lines)-1])
}

// SetHidden 设置 hidden 标记
func (c *Client) SetHidden(ctx context.Context, path string, hidden bool) error {
	value := "0"
	if hidden {
		value = "1"
	}
	if _, err := c.run(ctx, 30*time.Second, "set", "-n", path, "-f", "hidden", "-v", value); err != nil {
		return fmt.Errorf("failed to set hidden=%s on %s: %w", value, path, err)
	}
	return nil
}

// Create 创建空的动态 VHD
func (c *Client) Create(ctx context.Context, path string, sizeVirt uint64) error {
	if sizeVirt > MaxSize {
		return fmt.Errorf("virtual size %d exceeds vhd maximum %d", sizeVirt, uint64(MaxSize))
	}
	sizeMB := strconv.FormatUint(alignedSize(sizeVirt)/mib, 10)
	if _, err := c.run(ctx, c.timeout, "create", "-n", path, "-s", sizeMB); err != nil {
		return fmt.Errorf("failed to create vhd %s: %w", path, err)
	}
	return nil
}

// Snapshot 在 child 位置创建以 parent 为父的 VHD
func (c *Client) Snapshot(ctx context.Context, child, parent string, parentRaw bool) error {
	args := []string{"snapshot", "-n", child, "-p", parent}
	if parentRaw {
		args = append(args, "-m")
	}
	if _, err := c.run(ctx, c.timeout, args...); err != nil {
		return fmt.Errorf("failed to snapshot %s onto %s: %w", child, parent, err)
	}
	return nil
}

// SetParent 修改父定位器
func (c *Client) SetParent(ctx context.Context, path, parent string, parentRaw bool) error {
	args := []string{"modify", "-n", path, "-p", parent}
	if parentRaw {
		args = append(args, "-m")
	}
	if _, err := c.run(ctx, 5*time.Minute, args...); err != nil {
		return fmt.Errorf("failed to set parent of %s to %s: %w", path, parent, err)
	}
	return nil
}

// Coalesce 把 VHD 合并进父节点
func (c *Client) Coalesce(ctx context.Context, path string) error {
	if _, err := c.run(ctx, c.timeout, "coalesce", "-n", path); err != nil {
		return fmt.Errorf("failed to coalesce %s: %w", path, err)
	}
	return nil
}

// SetSizeVirt 修改虚拟大小，vhd-util 需要一个临时日志文件
func (c *Client) SetSizeVirt(ctx context.Context, path string, size uint64) error {
	sizeMB := strconv.FormatUint(alignedSize(size)/mib, 10)
	journal := path + ".resize-journal"
	if _, err := c.run(ctx, c.timeout, "resize", "-s", sizeMB, "-n", path, "-j", journal); err != nil {
		return fmt.Errorf("failed to resize %s: %w", path, err)
	}
	return nil
}

// SetSizePhys 把 footer 移到 size 处，用于卷扩容或收缩之后
func (c *Client) SetSizePhys(ctx context.Context, path string, size uint64) error {
	if _, err := c.run(ctx, 5*time.Minute, "modify", "-n", path, "-s", strconv.FormatUint(size, 10)); err != nil {
		return fmt.Errorf("failed to set physical size of %s: %w", path, err)
	}
	return nil
}

// Check 检查 VHD 完整性
func (c *Client) Check(ctx context.Context, path string) error {
	if _, err := c.run(ctx, c.timeout, "check", "-n", path); err != nil {
		return fmt.Errorf("vhd %s failed check: %w", path, err)
	}
	return nil
}

// EmptySize 返回空 VHD 的元数据开销：footer、header、BAT 和 BATMAP
func (c *Client) EmptySize(sizeVirt uint64) uint64 {
	sizeMB := sizeVirt / mib
	overhead := uint64(3 * 1024)
	overhead += (sizeMB / 2) * 4
	overhead = cowutil.RoundUp(overhead, 512)
	overhead += (sizeMB / 2) / 8
	return cowutil.RoundUp(overhead, 4096)
}

// FullSize 返回完全分配时的大小：数据、每块 4 KiB 位图以及空镜像开销
func (c *Client) FullSize(sizeVirt uint64) uint64 {
	size := alignedSize(sizeVirt)
	blocks := size / BlockSize
	return size + c.EmptySize(size) + blocks*4096
}

func alignedSize(size uint64) uint64 {
	return cowutil.RoundUp(size, BlockSize)
}
