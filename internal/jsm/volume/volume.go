// Package volume 激活与停用 SR 中的逻辑卷
//
// 每次激活都先增加本机的引用计数，停用前必须由引用计数确认所有主机上都没有打开者。
// 这是卷层唯一的停用入口。
package volume

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/internal/jsm/refcount"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

// Activator SR 内逻辑卷的激活器
type Activator struct {
	lvm    lvm.LVMClient
	rc     *refcount.Counter
	srUUID string
	vg     string
}

// NewActivator 创建激活器，引用计数的命名空间是 SR UUID
func NewActivator(client lvm.LVMClient, rc *refcount.Counter, srUUID string) *Activator {
	return &Activator{
		lvm:    client,
		rc:     rc,
		srUUID: srUUID,
		vg:     lvm.VGName(srUUID),
	}
}

// Path 返回逻辑卷的设备路径
func (a *Activator) Path(lv string) string {
	return a.lvm.LVPath(a.vg, lv)
}

// Counter 返回使用的引用计数器
func (a *Activator) Counter() *refcount.Counter {
	return a.rc
}

// Activate 增加引用计数并激活逻辑卷，激活失败时回退计数
func (a *Activator) Activate(ctx context.Context, lv string, kind refcount.Kind) error {
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", a.srUUID).Str("lv_name", lv).Logger()

	count, err := a.rc.Bump(ctx, a.srUUID, lv, kind)
	if err != nil {
		return err
	}

	if err := a.lvm.ActivateLV(ctx, a.vg, lv); err != nil {
		if _, dropErr := a.rc.Drop(ctx, a.srUUID, lv, kind); dropErr != nil {
			logger.Error().Err(dropErr).Msg("Failed to roll back refcount after activation failure")
		}
		return smerror.Wrap(smerror.CodeSRUnavailable, fmt.Sprintf("failed to activate %s", lv), err).WithObject(a.srUUID)
	}

	logger.Debug().Uint32("normal", count.Normal).Uint32("temporary", count.Temporary).Msg("Volume activated")
	return nil
}

// Deactivate 减少引用计数，当所有主机都没有打开者时停用逻辑卷
// 返回是否真正停用了卷
func (a *Activator) Deactivate(ctx context.Context, lv string, kind refcount.Kind) (bool, error) {
	if _, err := a.rc.Drop(ctx, a.srUUID, lv, kind); err != nil {
		return false, err
	}
	return a.DeactivateIfUnused(ctx, lv)
}

// DeactivateIfUnused 只在引用计数允许时停用逻辑卷
func (a *Activator) DeactivateIfUnused(ctx context.Context, lv string) (bool, error) {
	ok, err := a.rc.CanDeactivate(ctx, a.srUUID, lv)
	if err != nil {
		return false, err
	}
	if !ok {
		zerolog.Ctx(ctx).Debug().Str("sr_uuid", a.srUUID).Str("lv_name", lv).Msg("Volume still in use, keep active")
		return false, nil
	}

	if err := a.lvm.DeactivateLV(ctx, a.vg, lv); err != nil {
		return false, smerror.Wrap(smerror.CodeDeviceBusy, fmt.Sprintf("failed to deactivate %s", lv), err).WithObject(a.srUUID)
	}
	zerolog.Ctx(ctx).Debug().Str("sr_uuid", a.srUUID).Str("lv_name", lv).Msg("Volume deactivated")
	return true, nil
}

// WithTemporary 以临时打开者身份激活逻辑卷并执行 fn，结束后释放
func (a *Activator) WithTemporary(ctx context.Context, lv string, fn func(path string) error) (err error) {
	if err := a.Activate(ctx, lv, refcount.Temporary); err != nil {
		return err
	}
	defer func() {
		if _, derr := a.Deactivate(ctx, lv, refcount.Temporary); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(a.Path(lv))
}

// Forget 清除本机对卷的计数，卷被删除或重命名后调用
func (a *Activator) Forget(ctx context.Context, lv string) error {
	return a.rc.Reset(ctx, a.srUUID, lv)
}

// Rename 逻辑卷改名后把原名上的 normal 计数带到新名字上
// keep 为 true 时原名也保留计数，用于原名上马上会出现同一打开者的新卷
func (a *Activator) Rename(ctx context.Context, from, to string, keep bool) error {
	if keep {
		return a.rc.Inherit(ctx, a.srUUID, from, to)
	}
	return a.rc.Transfer(ctx, a.srUUID, from, to)
}

// Purge 清除所有主机对卷的计数，撤销未完成的改名时使用
func (a *Activator) Purge(ctx context.Context, lv string) error {
	return a.rc.Purge(ctx, a.srUUID, lv)
}
