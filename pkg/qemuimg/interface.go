package qemuimg

import "context"

// QemuImgClient 定义了 qemu-img 客户端的接口
// 用于抽象 qemu-img 操作，便于测试和 mock
type QemuImgClient interface {
	// Create 创建空镜像
	Create(ctx context.Context, format, outputFile string, size uint64) error
	// CreateFromBackingFile 从 backing file 创建新镜像
	CreateFromBackingFile(ctx context.Context, format, backingFormat, backingFile, outputFile string) error
	// Rebase 修改镜像的 backing file，不拷贝数据
	Rebase(ctx context.Context, imagePath, format, backingFormat, backingFile string) error
	// Commit 把镜像的数据写回 backing file
	Commit(ctx context.Context, imagePath, format string) error
	// Info 获取镜像信息
	Info(ctx context.Context, imagePath string) (*ImageInfo, error)
	// BackingChain 获取从镜像自身到根的整条 backing 链
	BackingChain(ctx context.Context, imagePath string) ([]ImageInfo, error)
	// Resize 调整镜像虚拟大小
	Resize(ctx context.Context, imagePath string, size uint64) error
	// Check 检查镜像完整性
	Check(ctx context.Context, imagePath, format string) error
}

// ImageInfo qemu-img info --output=json 的输出
type ImageInfo struct {
	Filename              string `json:"filename"`
	Format                string `json:"format"`
	VirtualSize           uint64 `json:"virtual-size"`
	ActualSize            uint64 `json:"actual-size"`
	ClusterSize           uint64 `json:"cluster-size"`
	BackingFilename       string `json:"backing-filename"`
	FullBackingFilename   string `json:"full-backing-filename"`
	BackingFilenameFormat string `json:"backing-filename-format"`
	DirtyFlag             bool   `json:"dirty-flag"`
}

// Backing 返回 backing file 路径，优先使用完整路径
func (i *ImageInfo) Backing() string {
	if i.FullBackingFilename != "" {
		return i.FullBackingFilename
	}
	return i.BackingFilename
}
