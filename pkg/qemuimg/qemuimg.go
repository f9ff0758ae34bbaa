package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

const (
	// 读头部的命令很快返回
	queryTimeout = 30 * time.Second
	// rebase -u 只改头部
	rebaseTimeout = 5 * time.Minute
)

// Client 封装 qemu-img 命令行工具的操作
type Client struct {
	qemuImgPath string
	// timeout 会拷贝数据的命令（create、commit、resize、check）的超时
	timeout time.Duration
}

var _ QemuImgClient = (*Client)(nil)

// New 创建 qemu-img client，qemuImgPath 为空时从 PATH 查找 qemu-img
func New(qemuImgPath string) *Client {
	if qemuImgPath == "" {
		qemuImgPath = "qemu-img"
	}
	return &Client{
		qemuImgPath: qemuImgPath,
		timeout:     30 * time.Minute,
	}
}

// WithTimeout 设置会拷贝数据的命令的超时
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// run 执行 qemu-img，失败时错误里带上命令输出
func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, c.qemuImgPath, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("qemu-img %s: %w, output: %s", args[0], err, output)
	}
	return output, nil
}

// query 执行 info --output=json 并解码到 out
func (c *Client) query(ctx context.Context, out any, args ...string) error {
	output, err := c.run(ctx, queryTimeout, append([]string{"info", "--output=json"}, args...)...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("parse qemu-img info output: %w", err)
	}
	return nil
}

// Create 创建 size 字节的空镜像
func (c *Client) Create(ctx context.Context, format, outputFile string, size uint64) error {
	if _, err := c.run(ctx, c.timeout, "create", "-f", format, outputFile, strconv.FormatUint(size, 10)); err != nil {
		return fmt.Errorf("create image %s: %w", outputFile, err)
	}
	return nil
}

// CreateFromBackingFile 创建以 backingFile 为父镜像的子镜像，虚拟大小继承父镜像
// backingFormat 是 "qcow2" 或 "raw"
func (c *Client) CreateFromBackingFile(ctx context.Context, format, backingFormat, backingFile, outputFile string) error {
	_, err := c.run(ctx, c.timeout, "create",
		"-f", format,
		"-F", backingFormat,
		"-b", backingFile,
		outputFile,
	)
	if err != nil {
		return fmt.Errorf("create image %s on %s: %w", outputFile, backingFile, err)
	}
	return nil
}

// Rebase 修改父镜像（unsafe 模式）
func (c *Client) Rebase(ctx context.Context, imagePath, format, backingFormat, backingFile string) error {
	_, err := c.run(ctx, rebaseTimeout, "rebase",
		"-u",
		"-f", format,
		"-F", backingFormat,
		"-b", backingFile,
		imagePath,
	)
	if err != nil {
		return fmt.Errorf("rebase image %s onto %s: %w", imagePath, backingFile, err)
	}
	return nil
}

// Commit 把镜像的数据写回父镜像
// -d 不清空镜像本身，由调用方删除
func (c *Client) Commit(ctx context.Context, imagePath, format string) error {
	if _, err := c.run(ctx, c.timeout, "commit", "-d", "-f", format, imagePath); err != nil {
		return fmt.Errorf("commit image %s: %w", imagePath, err)
	}
	return nil
}

// Info 读取镜像头部信息
func (c *Client) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	var info ImageInfo
	if err := c.query(ctx, &info, imagePath); err != nil {
		return nil, fmt.Errorf("get image info for %s: %w", imagePath, err)
	}
	return &info, nil
}

// BackingChain 读取整条链，第一个元素是镜像本身
func (c *Client) BackingChain(ctx context.Context, imagePath string) ([]ImageInfo, error) {
	var chain []ImageInfo
	if err := c.query(ctx, &chain, "--backing-chain", imagePath); err != nil {
		return nil, fmt.Errorf("get backing chain for %s: %w", imagePath, err)
	}
	return chain, nil
}

// Resize 把虚拟大小调整为 size 字节
func (c *Client) Resize(ctx context.Context, imagePath string, size uint64) error {
	if _, err := c.run(ctx, c.timeout, "resize", imagePath, strconv.FormatUint(size, 10)); err != nil {
		return fmt.Errorf("resize image %s to %d: %w", imagePath, size, err)
	}
	return nil
}

// Check 检查镜像的元数据是否一致
func (c *Client) Check(ctx context.Context, imagePath, format string) error {
	if _, err := c.run(ctx, c.timeout, "check", "-f", format, imagePath); err != nil {
		return fmt.Errorf("check image %s: %w", imagePath, err)
	}
	return nil
}
