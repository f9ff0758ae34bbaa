// Package cbtutil 封装 cbt-util，维护 change-block-tracking 日志之间的父子链接
//
// 快照时新叶子的 CBT 日志需要被所有已挂载主机的视图知道，因此链接操作带有主机参数：
// 本机直接执行 cbt-util，其他主机通过 Remote 转发。
package cbtutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// LogSuffix CBT 日志卷名后缀
const LogSuffix = ".cbtlog"

// Linker 在指定主机上设置 CBT 日志的子节点
type Linker interface {
	SetChild(ctx context.Context, host, logPath, childUUID string) error
}

// Remote 把链接操作转发到其他主机
type Remote interface {
	SetCBTChild(ctx context.Context, host, logPath, childUUID string) error
}

// Client 执行本机的 cbt-util
type Client struct {
	cbtUtilPath string
	timeout     time.Duration
}

// New 创建 cbt-util client，路径为空时使用 "cbt-util"
func New(cbtUtilPath string) *Client {
	if cbtUtilPath == "" {
		cbtUtilPath = "cbt-util"
	}
	return &Client{cbtUtilPath: cbtUtilPath, timeout: time.Minute}
}

func (c *Client) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, c.cbtUtilPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cbt-util %s failed: %w, output: %s", args[0], err, string(output))
	}
	return nil
}

// Create 创建覆盖 size 字节的 CBT 日志
func (c *Client) Create(ctx context.Context, logPath string, size uint64) error {
	return c.run(ctx, "create", "-n", logPath, "-s", fmt.Sprint(size))
}

// SetParent 设置日志的父节点
func (c *Client) SetParent(ctx context.Context, logPath, parentUUID string) error {
	return c.run(ctx, "set", "-n", logPath, "-p", parentUUID)
}

// SetChild 设置日志的子节点
func (c *Client) SetChild(ctx context.Context, logPath, childUUID string) error {
	return c.run(ctx, "set", "-n", logPath, "-c", childUUID)
}

// Router 按主机分发链接操作
type Router struct {
	localHost string
	local     *Client
	remote    Remote
}

var _ Linker = (*Router)(nil)

// NewRouter 创建 Router，remote 为 nil 时只支持本机
func NewRouter(localHost string, local *Client, remote Remote) *Router {
	return &Router{localHost: localHost, local: local, remote: remote}
}

// SetChild 实现 Linker
func (r *Router) SetChild(ctx context.Context, host, logPath, childUUID string) error {
	if host == r.localHost || host == "" {
		return r.local.SetChild(ctx, logPath, childUUID)
	}
	if r.remote == nil {
		return fmt.Errorf("no remote linker for host %s", host)
	}
	return r.remote.SetCBTChild(ctx, host, logPath, childUUID)
}
