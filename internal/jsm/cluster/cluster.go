// Package cluster 描述挂载了同一 SR 的其他主机
//
// 结构性修改只在 master 上执行，其他主机的内存视图通过这里的接口刷新：
// 刷新卷映射、转发 CBT 链接、通知链的变化。控制面的会话协议不在这里实现，
// Static 只是按配置的对端地址用 HTTP 转发到对端 jsm 的内部接口。
package cluster

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Hosts 挂载了 SR 的主机集合
type Hosts interface {
	// ThisHost 本机标识
	ThisHost() string
	// AttachedHosts 当前挂载了 SR 的所有主机（包括本机）
	AttachedHosts(ctx context.Context, srUUID string) ([]string, error)
	// RefreshVolume 让指定主机重新加载逻辑卷映射
	RefreshVolume(ctx context.Context, host, srUUID, lvName string) error
	// NotifyChainUpdate 告知指定主机 VDI 的父节点变化
	NotifyChainUpdate(ctx context.Context, host, srUUID, vdiUUID, parentUUID string) error
}

// Slaves 返回除本机外挂载了 SR 的主机
func Slaves(ctx context.Context, hosts Hosts, srUUID string) ([]string, error) {
	attached, err := hosts.AttachedHosts(ctx, srUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attached hosts of %s: %w", srUUID, err)
	}
	self := hosts.ThisHost()
	slaves := make([]string, 0, len(attached))
	for _, h := range attached {
		if h != self {
			slaves = append(slaves, h)
		}
	}
	return slaves, nil
}

// RefreshOnSlaves 并发刷新所有其他主机上的逻辑卷，全部完成后返回
func RefreshOnSlaves(ctx context.Context, hosts Hosts, srUUID, lvName string) error {
	slaves, err := Slaves(ctx, hosts, srUUID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range slaves {
		g.Go(func() error {
			if err := hosts.RefreshVolume(gctx, host, srUUID, lvName); err != nil {
				return fmt.Errorf("refresh %s on %s: %w", lvName, host, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().
		Str("sr_uuid", srUUID).
		Str("lv_name", lvName).
		Int("hosts", len(slaves)).
		Msg("Refreshed volume on slaves")
	return nil
}

// NotifyAll 并发通知所有挂载主机链的变化
func NotifyAll(ctx context.Context, hosts Hosts, srUUID, vdiUUID, parentUUID string) error {
	attached, err := hosts.AttachedHosts(ctx, srUUID)
	if err != nil {
		return fmt.Errorf("failed to list attached hosts of %s: %w", srUUID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range attached {
		g.Go(func() error {
			return hosts.NotifyChainUpdate(gctx, host, srUUID, vdiUUID, parentUUID)
		})
	}
	return g.Wait()
}
