// Package qcow2 读取 qcow2 镜像的头部与 L1/L2 映射表
//
// 只实现统计需要的只读部分：
//   - 解析头部（魔数、版本、backing file、簇大小、虚拟大小、L1 表位置）
//   - 统计已分配簇（AllocatedClusters / AllocatedBytes）
//   - 计算子镜像相对于父镜像新分配的簇（NewlyAllocated）
//
// 字段布局遵循 qemu 的 docs/interop/qcow2.txt，所有整数均为大端序。
//
// 使用示例：
//
//	img, err := qcow2.Open("/dev/VG_XenStorage-sr/QCOW2-vdi")
//	if err != nil {
//		return err
//	}
//	defer img.Close()
//	used, err := img.AllocatedBytes()
package qcow2
