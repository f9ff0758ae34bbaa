// Package lock 提供 SR 级别的互斥锁
//
// 同一主机上对 SR 的结构性修改和 coalesce 步骤都要先拿到 SR 锁。
// 锁文件放在本地锁目录下，用 flock 实现，进程退出时内核自动释放。
// 跨主机的锁由控制面负责，不在这里实现。
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jimyag/jsm/pkg/smerror"
)

// DefaultDir 默认锁目录
const DefaultDir = "/var/lock/jsm"

// errTimeout 等锁超时
var errTimeout = errors.New("lock timeout")

// Locker 获取锁，返回的 release 必须调用且只调用一次
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// FileLock 文件锁
type FileLock struct {
	path    string
	file    *os.File
	timeout time.Duration
}

// NewFileLock 创建文件锁
func NewFileLock(lockDir, resourceID string, timeout time.Duration) *FileLock {
	return &FileLock{
		path:    filepath.Join(lockDir, resourceID+".lock"),
		timeout: timeout,
	}
}

func (fl *FileLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// Lock 获取锁，超时或 ctx 取消时返回错误
func (fl *FileLock) Lock(ctx context.Context) error {
	file, err := fl.open()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(fl.timeout)
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			fl.file = file
			log.Debug().Str("lock_path", fl.path).Msg("Lock acquired")
			return nil
		}

		if time.Now().After(deadline) {
			file.Close()
			return fmt.Errorf("%w after %v", errTimeout, fl.timeout)
		}

		select {
		case <-ctx.Done():
			file.Close()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Unlock 释放锁
func (fl *FileLock) Unlock() {
	if fl.file == nil {
		return
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		log.Warn().Err(err).Str("lock_path", fl.path).Msg("Failed to unlock file")
	}
	if err := fl.file.Close(); err != nil {
		log.Warn().Err(err).Str("lock_path", fl.path).Msg("Failed to close lock file")
	}
	fl.file = nil
	log.Debug().Str("lock_path", fl.path).Msg("Lock released")
}

// TryLock 尝试获取锁，不等待
func (fl *FileLock) TryLock() error {
	file, err := fl.open()
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return fmt.Errorf("lock busy: %w", err)
	}
	fl.file = file
	return nil
}

// IsLocked 检查资源是否被锁定
func IsLocked(lockDir, resourceID string) bool {
	file, err := os.Open(filepath.Join(lockDir, resourceID+".lock"))
	if err != nil {
		return false
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		return true
	}
	_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	return false
}

// SRLock 一个 SR 的锁
type SRLock struct {
	dir     string
	srUUID  string
	timeout time.Duration
}

var _ Locker = (*SRLock)(nil)

// NewSRLock 创建 SR 锁，dir 为空时使用 DefaultDir
func NewSRLock(dir, srUUID string, timeout time.Duration) *SRLock {
	if dir == "" {
		dir = DefaultDir
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &SRLock{dir: dir, srUUID: srUUID, timeout: timeout}
}

// Acquire 实现 Locker
func (l *SRLock) Acquire(ctx context.Context) (func(), error) {
	fl := NewFileLock(l.dir, "sr-"+l.srUUID, l.timeout)
	if err := fl.Lock(ctx); err != nil {
		if errors.Is(err, errTimeout) {
			return nil, smerror.Wrap(smerror.CodeLockTimeout, "failed to acquire SR lock", err).WithObject(l.srUUID)
		}
		return nil, fmt.Errorf("acquire SR lock: %w", err)
	}
	return fl.Unlock, nil
}

// Held 检查 SR 锁当前是否被持有
func (l *SRLock) Held() bool {
	return IsLocked(l.dir, "sr-"+l.srUUID)
}

// WithLock 持有锁执行 fn，所有返回路径都会释放锁
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
