// Package refcount 记录每个卷在每台主机上的打开者数量
//
// 计数分为 normal 与 temporary 两类，都不可能为负。卷只有在所有记录主机上的两类计数都为零时
// 才允许停用。计数存放在 badger 中，Bump / Drop 在同一个事务里完成读改写。
package refcount

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/smerror"
)

// Kind 打开者类型
type Kind int

const (
	Normal Kind = iota
	Temporary
)

func (k Kind) String() string {
	if k == Temporary {
		return "temporary"
	}
	return "normal"
}

// Count 一个卷的计数
type Count struct {
	Normal    uint32
	Temporary uint32
}

// Zero 两类计数都为零
func (c Count) Zero() bool {
	return c.Normal == 0 && c.Temporary == 0
}

func (c Count) encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], c.Normal)
	binary.BigEndian.PutUint32(buf[4:8], c.Temporary)
	return buf
}

func decodeCount(b []byte) (Count, error) {
	if len(b) != 8 {
		return Count{}, fmt.Errorf("invalid refcount record length %d", len(b))
	}
	return Count{
		Normal:    binary.BigEndian.Uint32(b[0:4]),
		Temporary: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

const maxTxnRetries = 10

// Counter 以某台主机的身份读写计数
type Counter struct {
	db   *badger.DB
	mu   *sync.Mutex
	host string
}

// Open 打开 dir 下的计数库，dir 为空时使用内存模式
func Open(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open refcount store at %s: %w", dir, err)
	}
	return db, nil
}

// New 创建以 host 身份操作的 Counter
func New(db *badger.DB, host string) *Counter {
	return &Counter{db: db, mu: &sync.Mutex{}, host: host}
}

// Host 返回 Counter 对应的主机
func (c *Counter) Host() string {
	return c.host
}

// ForHost 返回以另一台主机身份操作的 Counter，共享同一个存储
func (c *Counter) ForHost(host string) *Counter {
	return &Counter{db: c.db, mu: c.mu, host: host}
}

func volumePrefix(ns, vol string) []byte {
	return []byte("rc/" + ns + "/" + vol + "/")
}

func key(ns, vol, host string) []byte {
	return append(volumePrefix(ns, vol), host...)
}

// update 执行读改写事务，遇到冲突时重试
// 同一进程内的更新串行执行
func (c *Counter) update(fn func(txn *badger.Txn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func get(txn *badger.Txn, k []byte) (Count, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Count{}, nil
	}
	if err != nil {
		return Count{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return Count{}, err
	}
	return decodeCount(value)
}

func put(txn *badger.Txn, k []byte, count Count) error {
	if count.Zero() {
		return txn.Delete(k)
	}
	return txn.Set(k, count.encode())
}

// Bump 给本机的计数加一，返回新的计数
func (c *Counter) Bump(ctx context.Context, ns, vol string, kind Kind) (Count, error) {
	var result Count
	err := c.update(func(txn *badger.Txn) error {
		k := key(ns, vol, c.host)
		count, err := get(txn, k)
		if err != nil {
			return err
		}
		if kind == Temporary {
			count.Temporary++
		} else {
			count.Normal++
		}
		result = count
		return put(txn, k, count)
	})
	if err != nil {
		return Count{}, fmt.Errorf("failed to bump refcount of %s/%s: %w", ns, vol, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("ns", ns).Str("vol", vol).Str("host", c.host).Str("kind", kind.String()).
		Uint32("normal", result.Normal).Uint32("temporary", result.Temporary).
		Msg("Refcount bumped")
	return result, nil
}

// Drop 给本机的计数减一，计数已为零时返回 RefcountInvariantViolation 且不做修改
func (c *Counter) Drop(ctx context.Context, ns, vol string, kind Kind) (Count, error) {
	var result Count
	var violated bool
	err := c.update(func(txn *badger.Txn) error {
		violated = false
		k := key(ns, vol, c.host)
		count, err := get(txn, k)
		if err != nil {
			return err
		}
		target := &count.Normal
		if kind == Temporary {
			target = &count.Temporary
		}
		if *target == 0 {
			violated = true
			result = count
			return nil
		}
		*target--
		result = count
		return put(txn, k, count)
	})
	if err != nil {
		return Count{}, fmt.Errorf("failed to drop refcount of %s/%s: %w", ns, vol, err)
	}
	if violated {
		return result, smerror.Newf(smerror.CodeRefcountInvariantViolation,
			"%s refcount of %s/%s on %s is already zero", kind, ns, vol, c.host).WithObject(vol)
	}

	zerolog.Ctx(ctx).Debug().
		Str("ns", ns).Str("vol", vol).Str("host", c.host).Str("kind", kind.String()).
		Uint32("normal", result.Normal).Uint32("temporary", result.Temporary).
		Msg("Refcount dropped")
	return result, nil
}

// Get 返回本机的计数
func (c *Counter) Get(ctx context.Context, ns, vol string) (Count, error) {
	var result Count
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		result, err = get(txn, key(ns, vol, c.host))
		return err
	})
	if err != nil {
		return Count{}, fmt.Errorf("failed to read refcount of %s/%s: %w", ns, vol, err)
	}
	return result, nil
}

// PerHost 返回卷在每台记录主机上的计数
func (c *Counter) PerHost(ctx context.Context, ns, vol string) (map[string]Count, error) {
	result := make(map[string]Count)
	prefix := volumePrefix(ns, vol)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			count, err := decodeCount(value)
			if err != nil {
				return err
			}
			host := strings.TrimPrefix(string(item.Key()), string(prefix))
			result[host] = count
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan refcounts of %s/%s: %w", ns, vol, err)
	}
	return result, nil
}

// Total 返回所有记录主机的计数之和
func (c *Counter) Total(ctx context.Context, ns, vol string) (Count, error) {
	perHost, err := c.PerHost(ctx, ns, vol)
	if err != nil {
		return Count{}, err
	}
	var total Count
	for _, count := range perHost {
		total.Normal += count.Normal
		total.Temporary += count.Temporary
	}
	return total, nil
}

// CanDeactivate 所有主机上的两类计数都为零时才允许停用
func (c *Counter) CanDeactivate(ctx context.Context, ns, vol string) (bool, error) {
	total, err := c.Total(ctx, ns, vol)
	if err != nil {
		return false, err
	}
	return total.Zero(), nil
}

// Reset 清除本机对卷的所有计数，主机卸载 SR 时使用
func (c *Counter) Reset(ctx context.Context, ns, vol string) error {
	err := c.update(func(txn *badger.Txn) error {
		err := txn.Delete(key(ns, vol, c.host))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset refcount of %s/%s: %w", ns, vol, err)
	}
	return nil
}

// Inherit 把 from 在每台主机上的 normal 计数加到 to 上
// 卷被改名后，原名上的打开者同样打开着新名字的卷
func (c *Counter) Inherit(ctx context.Context, ns, from, to string) error {
	return c.carry(ctx, ns, from, to, false)
}

// Transfer 把 from 在每台主机上的 normal 计数移到 to 上，from 的 normal 计数清零
func (c *Counter) Transfer(ctx context.Context, ns, from, to string) error {
	return c.carry(ctx, ns, from, to, true)
}

func (c *Counter) carry(ctx context.Context, ns, from, to string, move bool) error {
	if from == to {
		return nil
	}
	var moved uint32
	err := c.update(func(txn *badger.Txn) error {
		moved = 0
		prefix := volumePrefix(ns, from)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		src := make(map[string]Count)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			count, err := decodeCount(value)
			if err != nil {
				it.Close()
				return err
			}
			src[strings.TrimPrefix(string(it.Item().Key()), string(prefix))] = count
		}
		it.Close()

		for host, count := range src {
			if count.Normal == 0 {
				continue
			}
			dst, err := get(txn, key(ns, to, host))
			if err != nil {
				return err
			}
			dst.Normal += count.Normal
			if err := put(txn, key(ns, to, host), dst); err != nil {
				return err
			}
			moved += count.Normal
			if move {
				count.Normal = 0
				if err := put(txn, key(ns, from, host), count); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to carry refcount of %s/%s to %s: %w", ns, from, to, err)
	}
	if moved > 0 {
		zerolog.Ctx(ctx).Debug().
			Str("ns", ns).Str("from", from).Str("to", to).Bool("move", move).Uint32("normal", moved).
			Msg("Refcount carried")
	}
	return nil
}

// Purge 清除所有主机对卷的计数
func (c *Counter) Purge(ctx context.Context, ns, vol string) error {
	err := c.update(func(txn *badger.Txn) error {
		prefix := volumePrefix(ns, vol)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to purge refcount of %s/%s: %w", ns, vol, err)
	}
	return nil
}
