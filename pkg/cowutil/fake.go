package cowutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const fakeHeaderSize = 4096

// errNoHeader 文件不是镜像，例如 raw 父卷
var errNoHeader = errors.New("no image header")

// Fake 是 Util 的测试实现
// 头部以 JSON 写在镜像文件开头，文件改名后头部跟着走，和真实格式一样。
type Fake struct {
	mu        sync.Mutex
	format    Format
	hideFlag  bool
	overhead  uint64
	failures  map[string]error
	coalesced []string
}

type fakeHeader struct {
	SizeVirt uint64 `json:"size_virt"`
	SizePhys uint64 `json:"size_phys"`
	Parent   string `json:"parent"`
	Hidden   bool   `json:"hidden"`
}

var _ Util = (*Fake)(nil)

// NewFake 创建 Fake，hiddenFlag 为 false 时模拟没有 hidden 标记的格式
func NewFake(format Format, hiddenFlag bool) *Fake {
	return &Fake{
		format:   format,
		hideFlag: hiddenFlag,
		overhead: fakeHeaderSize,
		failures: make(map[string]error),
	}
}

// FailOn 让指定方法返回 err，err 为 nil 时取消
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Coalesced 返回被合并过的路径
func (f *Fake) Coalesced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.coalesced...)
}

// Write 直接写入镜像头部，用于构造测试场景
func (f *Fake) Write(path string, sizeVirt, sizePhys uint64, parent string, hidden bool) error {
	return writeFakeHeader(path, fakeHeader{SizeVirt: sizeVirt, SizePhys: sizePhys, Parent: parent, Hidden: hidden})
}

func (f *Fake) fail(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[method]
}

func readFakeHeader(path string) (fakeHeader, error) {
	var h fakeHeader
	file, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer file.Close()

	buf := make([]byte, fakeHeaderSize)
	n, err := file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return h, err
	}
	end := 0
	for end < n && buf[end] != 0 {
		end++
	}
	if end == 0 {
		return h, fmt.Errorf("%s: %w", path, errNoHeader)
	}
	if err := json.Unmarshal(buf[:end], &h); err != nil {
		return h, fmt.Errorf("%s has corrupt image header: %w", path, err)
	}
	return h, nil
}

func writeFakeHeader(path string, h fakeHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	buf := make([]byte, fakeHeaderSize)
	copy(buf, data)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteAt(buf, 0)
	return err
}

func (f *Fake) update(path string, fn func(h *fakeHeader)) error {
	h, err := readFakeHeader(path)
	if err != nil {
		return err
	}
	fn(&h)
	return writeFakeHeader(path, h)
}

func (f *Fake) Format() Format {
	return f.format
}

func (f *Fake) GetInfo(ctx context.Context, path string) (*Info, error) {
	if err := f.fail("GetInfo"); err != nil {
		return nil, err
	}
	h, err := readFakeHeader(path)
	if err != nil {
		return nil, err
	}
	return &Info{
		Path:       path,
		SizeVirt:   h.SizeVirt,
		SizePhys:   h.SizePhys,
		ParentPath: h.Parent,
		Hidden:     f.hideFlag && h.Hidden,
	}, nil
}

func (f *Fake) GetDepth(ctx context.Context, path string) (int, error) {
	if err := f.fail("GetDepth"); err != nil {
		return 0, err
	}
	depth := 0
	seen := map[string]bool{}
	for {
		if seen[path] {
			return 0, fmt.Errorf("loop in chain at %s", path)
		}
		seen[path] = true
		h, err := readFakeHeader(path)
		if errors.Is(err, errNoHeader) && depth > 0 {
			// raw 父卷是链的根
			return depth, nil
		}
		if err != nil {
			return 0, err
		}
		if h.Parent == "" {
			return depth, nil
		}
		depth++
		path = h.Parent
	}
}

func (f *Fake) GetParent(ctx context.Context, path string) (string, error) {
	h, err := readFakeHeader(path)
	if err != nil {
		return "", err
	}
	return h.Parent, nil
}

func (f *Fake) GetHidden(ctx context.Context, path string) (bool, error) {
	if !f.hideFlag {
		return false, ErrNoHiddenFlag
	}
	h, err := readFakeHeader(path)
	if err != nil {
		return false, err
	}
	return h.Hidden, nil
}

func (f *Fake) SetHidden(ctx context.Context, path string, hidden bool) error {
	if !f.hideFlag {
		return ErrNoHiddenFlag
	}
	if err := f.fail("SetHidden"); err != nil {
		return err
	}
	return f.update(path, func(h *fakeHeader) { h.Hidden = hidden })
}

func (f *Fake) Create(ctx context.Context, path string, sizeVirt uint64) error {
	if err := f.fail("Create"); err != nil {
		return err
	}
	return writeFakeHeader(path, fakeHeader{SizeVirt: sizeVirt, SizePhys: f.overhead})
}

func (f *Fake) Snapshot(ctx context.Context, child, parent string, parentRaw bool) error {
	if err := f.fail("Snapshot"); err != nil {
		return err
	}
	var sizeVirt uint64
	if parentRaw {
		st, err := os.Stat(parent)
		if err != nil {
			return err
		}
		sizeVirt = uint64(st.Size())
	} else {
		h, err := readFakeHeader(parent)
		if err != nil {
			return err
		}
		sizeVirt = h.SizeVirt
	}
	return writeFakeHeader(child, fakeHeader{SizeVirt: sizeVirt, SizePhys: f.overhead, Parent: parent})
}

func (f *Fake) SetParent(ctx context.Context, path, parent string, parentRaw bool) error {
	if err := f.fail("SetParent"); err != nil {
		return err
	}
	return f.update(path, func(h *fakeHeader) { h.Parent = parent })
}

func (f *Fake) Coalesce(ctx context.Context, path string) error {
	if err := f.fail("Coalesce"); err != nil {
		return err
	}
	h, err := readFakeHeader(path)
	if err != nil {
		return err
	}
	if h.Parent == "" {
		return fmt.Errorf("%s has no parent to coalesce into", path)
	}
	if err := f.update(h.Parent, func(p *fakeHeader) { p.SizePhys += h.SizePhys - f.overhead }); err != nil {
		return err
	}
	f.mu.Lock()
	f.coalesced = append(f.coalesced, path)
	f.mu.Unlock()
	return nil
}

func (f *Fake) SetSizeVirt(ctx context.Context, path string, size uint64) error {
	if err := f.fail("SetSizeVirt"); err != nil {
		return err
	}
	return f.update(path, func(h *fakeHeader) { h.SizeVirt = size })
}

func (f *Fake) SetSizePhys(ctx context.Context, path string, size uint64) error {
	return f.fail("SetSizePhys")
}

func (f *Fake) Check(ctx context.Context, path string) error {
	_, err := readFakeHeader(path)
	return err
}

func (f *Fake) FullSize(sizeVirt uint64) uint64 {
	return RoundUp(sizeVirt, 4096) + f.overhead
}

func (f *Fake) EmptySize(sizeVirt uint64) uint64 {
	return f.overhead
}
