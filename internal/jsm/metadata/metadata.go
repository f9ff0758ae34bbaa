// Package metadata 把 VDI 记录写到 SR 的元数据卷 MGT 上
//
// 卷的布局：开头 4 KiB 是头部槽（magic、版本、SR 信息、槽数），之后是固定 1 KiB 的记录槽。
// 每个记录槽保存 长度 + CRC32 + XDR 编码的记录，长度为 0 表示空槽。
// 删除只写入墓碑，墓碑超过一半槽位时整卷压缩。读到损坏的槽时带着槽号报错，不会跳过。
package metadata

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
	"sync"

	xdr "github.com/rasky/go-xdr/xdr2"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/smerror"
)

const (
	headerMagic   = 0x4a534d44 // "JSMD"
	layoutVersion = 1
	// HeaderSize 头部槽大小
	HeaderSize = 4 << 10
	// SlotSize 记录槽大小
	SlotSize   = 1 << 10
	slotPrefix = 8
)

// ErrFull 没有空槽
var ErrFull = errors.New("metadata volume is full")

// KV sm-config 中的一项
type KV struct {
	Key   string
	Value string
}

// Record 一条 VDI 记录
type Record struct {
	UUID         string
	Label        string
	Description  string
	Type         string
	VDIType      string
	SnapshotOf   string
	SnapshotTime string
	IsSnapshot   bool
	ReadOnly     bool
	SMConfig     []KV
	Deleted      bool
}

// Config 把 SMConfig 转成 map
func (r *Record) Config() map[string]string {
	m := make(map[string]string, len(r.SMConfig))
	for _, kv := range r.SMConfig {
		m[kv.Key] = kv.Value
	}
	return m
}

// SetConfig 用 map 设置 SMConfig，按 key 排序保证编码稳定
func (r *Record) SetConfig(m map[string]string) {
	r.SMConfig = r.SMConfig[:0]
	for k, v := range m {
		r.SMConfig = append(r.SMConfig, KV{Key: k, Value: v})
	}
	sort.Slice(r.SMConfig, func(i, j int) bool { return r.SMConfig[i].Key < r.SMConfig[j].Key })
}

// Header 元数据卷头部
type Header struct {
	Magic       uint32
	Version     uint32
	SRUUID      string
	Label       string
	Description string
	Slots       uint32
}

// Handler 读写一个元数据卷
type Handler struct {
	mu     sync.Mutex
	path   string
	srUUID string
}

// New 创建 Handler，path 是已激活的元数据卷设备路径
func New(path, srUUID string) *Handler {
	return &Handler{path: path, srUUID: srUUID}
}

// Slots 返回 size 字节的元数据卷能容纳的记录数
func Slots(size int64) int {
	if size <= HeaderSize {
		return 0
	}
	return int((size - HeaderSize) / SlotSize)
}

func (h *Handler) corrupt(format string, args ...any) error {
	return smerror.Newf(smerror.CodeMetadataCorrupt, format, args...).WithObject(h.srUUID)
}

// Format 初始化元数据卷，slots 为 0 时按卷大小计算
func (h *Handler) Format(ctx context.Context, label, description string, slots int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open metadata volume %s: %w", h.path, err)
	}
	defer f.Close()

	if slots <= 0 {
		// 块设备的 Stat 大小为 0，用 Seek 取设备大小
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("failed to size metadata volume %s: %w", h.path, err)
		}
		slots = Slots(size)
	}
	if slots <= 0 {
		return fmt.Errorf("metadata volume %s is too small", h.path)
	}

	hdr := Header{
		Magic:       headerMagic,
		Version:     layoutVersion,
		SRUUID:      h.srUUID,
		Label:       label,
		Description: description,
		Slots:       uint32(slots),
	}
	if err := writeHeader(f, &hdr); err != nil {
		return err
	}
	empty := make([]byte, slots*SlotSize)
	if _, err := f.WriteAt(empty, HeaderSize); err != nil {
		return fmt.Errorf("failed to clear metadata slots: %w", err)
	}
	if err := f.Sync(); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("sr_uuid", h.srUUID).Int("slots", slots).Msg("Metadata volume formatted")
	return nil
}

func writeHeader(f *os.File, hdr *Header) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, hdr); err != nil {
		return fmt.Errorf("failed to encode metadata header: %w", err)
	}
	if buf.Len() > HeaderSize-slotPrefix {
		return fmt.Errorf("metadata header too large: %d bytes", buf.Len())
	}
	block := make([]byte, HeaderSize)
	frame(block, buf.Bytes())
	if _, err := f.WriteAt(block, 0); err != nil {
		return fmt.Errorf("failed to write metadata header: %w", err)
	}
	return nil
}

// frame 在 block 开头写入 长度 + CRC32 + body
func frame(block, body []byte) {
	binary.BigEndian.PutUint32(block[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(block[4:8], crc32.ChecksumIEEE(body))
	copy(block[slotPrefix:], body)
}

// unframe 返回 block 中的 body，空槽返回 nil
func unframe(block []byte) ([]byte, error) {
	n := binary.BigEndian.Uint32(block[0:4])
	if n == 0 {
		return nil, nil
	}
	if int(n) > len(block)-slotPrefix {
		return nil, fmt.Errorf("length %d exceeds slot", n)
	}
	body := block[slotPrefix : slotPrefix+int(n)]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(block[4:8]) {
		return nil, errors.New("checksum mismatch")
	}
	return body, nil
}

// volume 是读入内存的整个卷
type volume struct {
	header Header
	slots  []*Record
}

func (h *Handler) read() (*volume, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata volume %s: %w", h.path, err)
	}
	defer f.Close()

	block := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, block); err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}
	body, err := unframe(block)
	if err != nil || body == nil {
		return nil, h.corrupt("metadata header of %s is corrupt", h.path)
	}

	v := &volume{}
	if _, err := xdr.Unmarshal(bytes.NewReader(body), &v.header); err != nil {
		return nil, h.corrupt("metadata header of %s cannot be decoded: %v", h.path, err)
	}
	if v.header.Magic != headerMagic {
		return nil, h.corrupt("bad metadata magic %#x", v.header.Magic)
	}
	if v.header.Version != layoutVersion {
		return nil, h.corrupt("unsupported metadata version %d", v.header.Version)
	}

	data := make([]byte, int(v.header.Slots)*SlotSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("failed to read metadata slots: %w", err)
	}

	v.slots = make([]*Record, v.header.Slots)
	for i := range v.slots {
		body, err := unframe(data[i*SlotSize : (i+1)*SlotSize])
		if err != nil {
			return nil, h.corrupt("metadata slot %d is corrupt: %v", i, err)
		}
		if body == nil {
			continue
		}
		var rec Record
		if _, err := xdr.Unmarshal(bytes.NewReader(body), &rec); err != nil {
			return nil, h.corrupt("metadata slot %d cannot be decoded: %v", i, err)
		}
		v.slots[i] = &rec
	}
	return v, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.UUID, err)
	}
	if buf.Len() > SlotSize-slotPrefix {
		return nil, smerror.Newf(smerror.CodeInvalidArgument, "record %s is %d bytes, a slot holds %d", rec.UUID, buf.Len(), SlotSize-slotPrefix).WithObject(rec.UUID)
	}
	return buf.Bytes(), nil
}

// writeSlots 写回指定的槽，nil 表示清空
func (h *Handler) writeSlots(v *volume, indexes ...int) error {
	f, err := os.OpenFile(h.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open metadata volume %s: %w", h.path, err)
	}
	defer f.Close()

	for _, i := range indexes {
		block := make([]byte, SlotSize)
		if rec := v.slots[i]; rec != nil {
			body, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			frame(block, body)
		}
		if _, err := f.WriteAt(block, HeaderSize+int64(i)*SlotSize); err != nil {
			return fmt.Errorf("failed to write metadata slot %d: %w", i, err)
		}
	}
	return f.Sync()
}

// Header 读取头部
func (h *Handler) Header(ctx context.Context) (Header, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.read()
	if err != nil {
		return Header{}, err
	}
	return v.header, nil
}

// Load 返回所有未删除的记录
func (h *Handler) Load(ctx context.Context) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.read()
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, rec := range v.slots {
		if rec != nil && !rec.Deleted {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (v *volume) find(uuid string) int {
	for i, rec := range v.slots {
		if rec != nil && rec.UUID == uuid {
			return i
		}
	}
	return -1
}

func (v *volume) firstEmpty() int {
	for i, rec := range v.slots {
		if rec == nil {
			return i
		}
	}
	return -1
}

func (v *volume) tombstones() int {
	n := 0
	for _, rec := range v.slots {
		if rec != nil && rec.Deleted {
			n++
		}
	}
	return n
}

// Write 写入记录，同一 UUID 的记录原地覆盖，否则追加到第一个空槽
func (h *Handler) Write(ctx context.Context, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.UUID == "" {
		return smerror.New(smerror.CodeInvalidArgument, "record has no uuid")
	}
	if _, err := encodeRecord(&rec); err != nil {
		return err
	}

	v, err := h.read()
	if err != nil {
		return err
	}

	i := v.find(rec.UUID)
	if i < 0 {
		i = v.firstEmpty()
	}
	if i < 0 && v.tombstones() > 0 {
		if err := h.compact(ctx, v); err != nil {
			return err
		}
		i = v.firstEmpty()
	}
	if i < 0 {
		return smerror.Wrap(smerror.CodeSRUnavailable, "no free metadata slot", ErrFull).WithObject(h.srUUID)
	}

	rec.Deleted = false
	v.slots[i] = &rec
	return h.writeSlots(v, i)
}

// Delete 把记录标记为墓碑，墓碑超过一半槽位时压缩
func (h *Handler) Delete(ctx context.Context, uuid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.read()
	if err != nil {
		return err
	}
	i := v.find(uuid)
	if i < 0 || v.slots[i].Deleted {
		return nil
	}
	v.slots[i].Deleted = true
	if err := h.writeSlots(v, i); err != nil {
		return err
	}

	if 2*v.tombstones() > len(v.slots) {
		return h.compact(ctx, v)
	}
	return nil
}

// Sync 让卷上的记录与 records 完全一致，多余的记录变成墓碑
func (h *Handler) Sync(ctx context.Context, records []Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.read()
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(records))
	var dirty []int
	for _, rec := range records {
		want[rec.UUID] = true
	}
	for i, rec := range v.slots {
		if rec != nil && !rec.Deleted && !want[rec.UUID] {
			rec.Deleted = true
			dirty = append(dirty, i)
		}
	}
	if err := h.writeSlots(v, dirty...); err != nil {
		return err
	}
	if 2*v.tombstones() > len(v.slots) {
		if err := h.compact(ctx, v); err != nil {
			return err
		}
	}

	dirty = dirty[:0]
	for _, rec := range records {
		rec := rec
		if _, err := encodeRecord(&rec); err != nil {
			return err
		}
		i := v.find(rec.UUID)
		if i >= 0 && !v.slots[i].Deleted && equalRecord(v.slots[i], &rec) {
			continue
		}
		if i < 0 {
			i = v.firstEmpty()
		}
		if i < 0 {
			return smerror.Wrap(smerror.CodeSRUnavailable, "no free metadata slot", ErrFull).WithObject(h.srUUID)
		}
		rec.Deleted = false
		v.slots[i] = &rec
		dirty = append(dirty, i)
	}
	if err := h.writeSlots(v, dirty...); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().Str("sr_uuid", h.srUUID).Int("records", len(records)).Int("written", len(dirty)).Msg("Metadata volume synced")
	return nil
}

func equalRecord(a, b *Record) bool {
	ab, err := encodeRecord(a)
	if err != nil {
		return false
	}
	bb, err := encodeRecord(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// compact 把存活的记录移到卷的开头，并清空其余槽
func (h *Handler) compact(ctx context.Context, v *volume) error {
	live := make([]*Record, 0, len(v.slots))
	for _, rec := range v.slots {
		if rec != nil && !rec.Deleted {
			live = append(live, rec)
		}
	}

	slots := make([]*Record, len(v.slots))
	copy(slots, live)
	v.slots = slots

	all := make([]int, len(slots))
	for i := range all {
		all[i] = i
	}
	if err := h.writeSlots(v, all...); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("sr_uuid", h.srUUID).Int("live", len(live)).Msg("Metadata volume compacted")
	return nil
}
