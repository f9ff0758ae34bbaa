// Package qemuimg 封装 qemu-img 命令行工具的操作
//
// 该包提供了对 qemu-img 常用操作的封装，包括：
//   - 创建空镜像（Create）
//   - 从 backing file 创建子镜像（CreateFromBackingFile）
//   - 修改 backing file（Rebase，不拷贝数据）
//   - 把镜像合并到 backing file（Commit）
//   - 获取镜像信息与 backing 链（Info、BackingChain）
//   - 调整镜像大小（Resize）
//   - 检查镜像完整性（Check）
//
// CowUtil 在 Client 之上实现 cowutil.Util，供链引擎管理 QCOW2 类型的 VDI。
// 所有操作都支持 context 超时控制。
//
// 示例：
//
//	client := qemuimg.New("")
//	err := client.CreateFromBackingFile(ctx, "qcow2", "qcow2",
//		"/dev/VG_XenStorage-sr/QCOW2-base", "/dev/VG_XenStorage-sr/QCOW2-leaf")
//
//	cow := qemuimg.NewCowUtil(client)
//	depth, err := cow.GetDepth(ctx, "/dev/VG_XenStorage-sr/QCOW2-leaf")
package qemuimg
