// Package lvm 封装 LVM 与 device-mapper 命令行工具
//
// 提供 SR 需要的卷组与逻辑卷操作：
//   - 卷组：存在性检查、创建、删除、激活、容量统计、PV 扩容
//   - 逻辑卷：列举、创建、删除、重命名、调整大小、激活/停用、刷新、tag 与只读属性
//   - device-mapper：列举卷组的映射项、检查打开的句柄、删除映射项
//
// 卷与卷组的命名规则由 SR 与 VDI 的 UUID 决定（见 names.go），
// 因此即使 LVM 元数据不可用，也能重建 device-mapper 路径用于清理。
//
// LVM 用退出码 5 表示对象不存在，此时返回 ErrNotFound。
package lvm
