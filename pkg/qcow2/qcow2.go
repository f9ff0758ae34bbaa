package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// Magic "QFI\xfb"
	Magic = 0x514649FB
	// HeaderSize 版本 3 头部的固定长度
	HeaderSize = 104

	l2OffsetMask       = 0x00FFFFFFFFFFFF00
	clusterOffsetMask  = 0x00FFFFFFFFFFFF00
	compressedBit      = uint64(1) << 62
	allocatedEntryBit  = uint64(1) << 63
	minClusterBits     = 9
	maxClusterBits     = 21
	maxBackingFileSize = 1023
)

var (
	// ErrBadMagic 文件不是 qcow2 镜像
	ErrBadMagic = errors.New("not a qcow2 image")
	// ErrCompressed 遇到压缩簇，暂不支持统计
	ErrCompressed = errors.New("compressed clusters are not supported")
)

// Header qcow2 头部中需要的字段
type Header struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	ClusterBits       uint32
	Size              uint64
	CryptMethod       uint32
	L1Size            uint32
	L1TableOffset     uint64
}

// ClusterSize 返回簇大小（字节）
func (h *Header) ClusterSize() uint64 {
	return uint64(1) << h.ClusterBits
}

// Image 一个打开的 qcow2 镜像
type Image struct {
	r      io.ReaderAt
	closer io.Closer
	Header Header
	// BackingFile 父镜像路径，没有时为空
	BackingFile string
	l1          []uint64
}

// Open 打开路径上的 qcow2 镜像
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	img, err := Read(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read qcow2 image %s: %w", path, err)
	}
	img.closer = f
	return img, nil
}

// Read 从 r 解析镜像头部和 L1 表
func Read(r io.ReaderAt) (*Image, error) {
	buf := make([]byte, 48)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var h Header
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint32(buf[4:8])
	h.BackingFileOffset = binary.BigEndian.Uint64(buf[8:16])
	h.BackingFileSize = binary.BigEndian.Uint32(buf[16:20])
	h.ClusterBits = binary.BigEndian.Uint32(buf[20:24])
	h.Size = binary.BigEndian.Uint64(buf[24:32])
	h.CryptMethod = binary.BigEndian.Uint32(buf[32:36])
	h.L1Size = binary.BigEndian.Uint32(buf[36:40])
	h.L1TableOffset = binary.BigEndian.Uint64(buf[40:48])

	if h.Magic != Magic {
		return nil, ErrBadMagic
	}
	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return nil, fmt.Errorf("unsupported cluster bits %d", h.ClusterBits)
	}

	img := &Image{r: r, Header: h}

	if h.BackingFileOffset != 0 {
		if h.BackingFileSize > maxBackingFileSize {
			return nil, fmt.Errorf("backing file name too long: %d", h.BackingFileSize)
		}
		name := make([]byte, h.BackingFileSize)
		if _, err := r.ReadAt(name, int64(h.BackingFileOffset)); err != nil {
			return nil, fmt.Errorf("read backing file name: %w", err)
		}
		img.BackingFile = string(name)
	}

	l1, err := readTable(r, h.L1TableOffset, int(h.L1Size))
	if err != nil {
		return nil, fmt.Errorf("read L1 table: %w", err)
	}
	for i := range l1 {
		l1[i] &= l2OffsetMask
	}
	img.l1 = l1

	return img, nil
}

// Close 关闭底层文件
func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	return img.closer.Close()
}

func readTable(r io.ReaderAt, offset uint64, entries int) ([]uint64, error) {
	if entries == 0 {
		return nil, nil
	}
	raw := make([]byte, entries*8)
	if _, err := r.ReadAt(raw, int64(offset)); err != nil {
		return nil, err
	}
	table := make([]uint64, entries)
	for i := range table {
		table[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return table, nil
}

func (img *Image) l2Table(offset uint64) ([]uint64, error) {
	return readTable(img.r, offset, int(img.Header.ClusterSize()/8))
}

func isAllocated(entry uint64) (bool, error) {
	if entry&compressedBit != 0 {
		return false, ErrCompressed
	}
	return entry&allocatedEntryBit != 0 || entry&clusterOffsetMask != 0, nil
}

// AllocatedClusters 统计已分配的数据簇数量
func (img *Image) AllocatedClusters() (uint64, error) {
	var n uint64
	for i, l2Offset := range img.l1 {
		if l2Offset == 0 {
			continue
		}
		l2, err := img.l2Table(l2Offset)
		if err != nil {
			return 0, fmt.Errorf("read L2 table %d: %w", i, err)
		}
		for _, entry := range l2 {
			ok, err := isAllocated(entry)
			if err != nil {
				return 0, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

// AllocatedBytes 已分配数据的字节数
func (img *Image) AllocatedBytes() (uint64, error) {
	n, err := img.AllocatedClusters()
	if err != nil {
		return 0, err
	}
	return n * img.Header.ClusterSize(), nil
}

// NewlyAllocated 统计 child 中已分配而 base 中未分配的簇数量
// 两个镜像的簇大小必须一致
func NewlyAllocated(base, child *Image) (uint64, error) {
	if base.Header.ClusterBits != child.Header.ClusterBits {
		return 0, fmt.Errorf("cluster size mismatch: %d != %d",
			base.Header.ClusterSize(), child.Header.ClusterSize())
	}

	var n uint64
	for i, childL2Offset := range child.l1 {
		if childL2Offset == 0 {
			continue
		}
		childL2, err := child.l2Table(childL2Offset)
		if err != nil {
			return 0, fmt.Errorf("read child L2 table %d: %w", i, err)
		}

		var baseL2 []uint64
		if i < len(base.l1) && base.l1[i] != 0 {
			baseL2, err = base.l2Table(base.l1[i])
			if err != nil {
				return 0, fmt.Errorf("read base L2 table %d: %w", i, err)
			}
		}

		for j, entry := range childL2 {
			ok, err := isAllocated(entry)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			if baseL2 != nil {
				inBase, err := isAllocated(baseL2[j])
				if err != nil {
					return 0, err
				}
				if inBase {
					continue
				}
			}
			n++
		}
	}
	return n, nil
}
