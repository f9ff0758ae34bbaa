// Package vhdutil 封装 vhd-util 命令行工具，实现 VHD 格式的 cowutil.Util
//
// VHD 头部的 hidden 标记、父定位器和链深度都由 vhd-util 读写，这里只负责
// 组织命令行参数和解析输出。虚拟大小以 MiB 为单位传给 vhd-util，并按 2 MiB
// 的块大小对齐。
//
// 示例：
//
//	util := vhdutil.New("")
//	err := util.Snapshot(ctx, "/dev/VG_XenStorage-sr/VHD-leaf", "/dev/VG_XenStorage-sr/VHD-base", false)
//	depth, err := util.GetDepth(ctx, "/dev/VG_XenStorage-sr/VHD-leaf")
package vhdutil
