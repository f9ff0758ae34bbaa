// Package journal 实现多步操作的预写日志
//
// 每条日志存放在一个独立的逻辑卷 jrnl-<kind>-<target> 中，内容是带 CRC32 校验的 XDR 记录。
// Create 在数据落盘并 fsync 之后才返回，操作完全提交后调用 Remove。
// SR 挂载时用 Replay 按写入顺序回放所有未删除的日志。
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"

	xdr "github.com/rasky/go-xdr/xdr2"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/idgen"
	"github.com/jimyag/jsm/pkg/lvm"
	"github.com/jimyag/jsm/pkg/smerror"
)

// Kind 日志类型
type Kind string

const (
	KindInflate  Kind = "inflate"
	KindClone    Kind = "clone"
	KindCoalesce Kind = "coalesce"
	KindResize   Kind = "resize"
)

const (
	recordMagic   = 0x4a524e4c // "JRNL"
	recordVersion = 1
	headerSize    = 12
	// VolumeSize 日志卷的大小，一个 LVM extent
	VolumeSize = 4 << 20
	maxRecord  = 64 << 10
)

// Entry 一条日志
type Entry struct {
	Kind    Kind
	Target  string
	Payload string
	Order   uint64
}

type record struct {
	Version uint32
	Kind    string
	Target  string
	Payload string
	Order   uint64
}

// VolumeName 返回日志卷名
func VolumeName(kind Kind, target string) string {
	return lvm.JournalPrefix + string(kind) + "-" + target
}

// ParseVolumeName 从卷名解析日志类型与目标
func ParseVolumeName(lv string) (Kind, string, bool) {
	rest, ok := strings.CutPrefix(lv, lvm.JournalPrefix)
	if !ok {
		return "", "", false
	}
	kind, target, ok := strings.Cut(rest, "-")
	if !ok || target == "" {
		return "", "", false
	}
	return Kind(kind), target, true
}

// Activator 以临时打开者身份激活日志卷，读取日志也要经过引用计数
type Activator interface {
	WithTemporary(ctx context.Context, lv string, fn func(path string) error) error
}

// Journaler SR 的日志
type Journaler struct {
	lvm    lvm.LVMClient
	act    Activator
	srUUID string
	vg     string
	ids    *idgen.Generator
}

// New 创建 SR 的日志
func New(client lvm.LVMClient, act Activator, srUUID string, ids *idgen.Generator) *Journaler {
	if ids == nil {
		ids = idgen.DefaultGenerator()
	}
	return &Journaler{
		lvm:    client,
		act:    act,
		srUUID: srUUID,
		vg:     lvm.VGName(srUUID),
		ids:    ids,
	}
}

func encode(e *Entry) ([]byte, error) {
	var body bytes.Buffer
	rec := record{
		Version: recordVersion,
		Kind:    string(e.Kind),
		Target:  e.Target,
		Payload: e.Payload,
		Order:   e.Order,
	}
	if _, err := xdr.Marshal(&body, &rec); err != nil {
		return nil, fmt.Errorf("encode journal record: %w", err)
	}
	if body.Len() > maxRecord {
		return nil, fmt.Errorf("journal record too large: %d bytes", body.Len())
	}

	buf := make([]byte, headerSize, headerSize+body.Len())
	binary.BigEndian.PutUint32(buf[0:4], recordMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(body.Len()))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(body.Bytes()))
	return append(buf, body.Bytes()...), nil
}

func decode(r io.Reader) (*Entry, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read journal header: %w", err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != recordMagic {
		return nil, errors.New("bad journal magic")
	}
	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxRecord {
		return nil, fmt.Errorf("journal record length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read journal body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(header[8:12]) {
		return nil, errors.New("journal checksum mismatch")
	}

	var rec record
	if _, err := xdr.Unmarshal(bytes.NewReader(body), &rec); err != nil {
		return nil, fmt.Errorf("decode journal record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported journal version %d", rec.Version)
	}
	return &Entry{
		Kind:    Kind(rec.Kind),
		Target:  rec.Target,
		Payload: rec.Payload,
		Order:   rec.Order,
	}, nil
}

// Create 持久化写入一条日志，同类型同目标的日志已存在时返回错误
func (j *Journaler) Create(ctx context.Context, kind Kind, target, payload string) (*Entry, error) {
	name := VolumeName(kind, target)
	exists, err := j.lvm.LVExists(ctx, j.vg, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, smerror.Newf(smerror.CodeJournalReplayFailure, "journal %s already exists", name).WithObject(target)
	}

	order, err := j.ids.GenerateOrder()
	if err != nil {
		return nil, err
	}
	entry := &Entry{Kind: kind, Target: target, Payload: payload, Order: order}
	data, err := encode(entry)
	if err != nil {
		return nil, err
	}

	if err := j.lvm.CreateLV(ctx, j.vg, name, VolumeSize, nil); err != nil {
		return nil, fmt.Errorf("failed to create journal volume %s: %w", name, err)
	}
	if err := j.write(j.lvm.LVPath(j.vg, name), data); err != nil {
		if rmErr := j.lvm.RemoveLV(ctx, j.vg, name); rmErr != nil {
			zerolog.Ctx(ctx).Error().Err(rmErr).Str("lv_name", name).Msg("Failed to remove unwritten journal")
		}
		return nil, fmt.Errorf("failed to write journal %s: %w", name, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("sr_uuid", j.srUUID).
		Str("kind", string(kind)).
		Str("target", target).
		Uint64("order", order).
		Msg("Journal created")
	return entry, nil
}

func (j *Journaler) write(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func (j *Journaler) read(ctx context.Context, lv lvm.LVInfo) (*Entry, error) {
	var entry *Entry
	err := j.act.WithTemporary(ctx, lv.Name, func(path string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		entry, err = decode(f)
		return err
	})
	return entry, err
}

// Get 读取一条日志，不存在时返回 nil
func (j *Journaler) Get(ctx context.Context, kind Kind, target string) (*Entry, error) {
	entries, err := j.GetAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Target == target {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// GetAll 按写入顺序返回指定类型的日志，kind 为空时返回全部
// 无法解析的日志返回 JournalReplayFailure，不会被跳过
func (j *Journaler) GetAll(ctx context.Context, kind Kind) ([]Entry, error) {
	lvs, err := j.lvm.ListLVs(ctx, j.vg)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, lv := range lvs {
		k, target, ok := ParseVolumeName(lv.Name)
		if !ok || (kind != "" && k != kind) {
			continue
		}
		entry, err := j.read(ctx, lv)
		if err != nil {
			return nil, smerror.Wrap(smerror.CodeJournalReplayFailure,
				fmt.Sprintf("journal %s is unreadable", lv.Name), err).WithObject(target)
		}
		if entry.Kind != k || entry.Target != target {
			return nil, smerror.Newf(smerror.CodeJournalReplayFailure,
				"journal %s holds entry for %s/%s", lv.Name, entry.Kind, entry.Target).WithObject(target)
		}
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].Order < entries[b].Order })
	return entries, nil
}

// Remove 删除日志，日志不存在时直接返回
func (j *Journaler) Remove(ctx context.Context, kind Kind, target string) error {
	name := VolumeName(kind, target)
	exists, err := j.lvm.LVExists(ctx, j.vg, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := j.lvm.RemoveLV(ctx, j.vg, name); err != nil {
		return fmt.Errorf("failed to remove journal %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("sr_uuid", j.srUUID).
		Str("kind", string(kind)).
		Str("target", target).
		Msg("Journal removed")
	return nil
}
