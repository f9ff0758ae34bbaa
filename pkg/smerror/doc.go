// Package smerror 提供存储管理器统一的错误类型
//
// 每个错误携带错误码（Code）、对象标识（SR/VDI UUID）、可选的 OS errno 以及原始错误。
// 错误码对应存储生命周期中的错误分类：
//
//   - ConfigMissing: 缺少必需的配置项（load 时致命）
//   - SRUnavailable: VG 激活或设备访问失败（调用方可重试）
//   - DeviceBusy: 设备仍有打开的句柄，无法停用（有限次重试后上报）
//   - JournalReplayFailure: 磁盘状态与日志不一致（需要人工介入）
//   - CoalesceFailure: 合并失败（记录日志，下次扫描重试）
//   - RefcountInvariantViolation: 引用计数将变为负数（程序不变量被破坏）
//
// 使用示例：
//
//	err := smerror.New(smerror.CodeDeviceBusy, "device has open handles").WithObject(srUUID)
//	if errors.Is(err, smerror.ErrDeviceBusy) {
//		// 重试
//	}
//
// 错误可以序列化成 XML 或 JSON 响应：
//
//	resp := smerror.NewErrorResponse("request-id", err)
//	data, _ := resp.ToXML()
package smerror
