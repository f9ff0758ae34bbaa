// Package idgen 提供递增 ID 与 UUID 生成器
//
// 使用 Sonyflake 算法生成全局唯一且递增的 ID，用于记录日志条目的写入顺序；
// VDI 与链中间节点的标识使用随机 UUID。
//
// 生成的 ID 格式：
//   - 日志写入序号: uint64，时间有序
//   - 请求 ID: req-{递增数字}
//   - VDI UUID: RFC 4122 v4
//
// 使用方式：
//
//	order, err := idgen.GenerateOrder()
//	requestID, err := idgen.GenerateRequestID()
//	vdiUUID := idgen.NewUUID()
package idgen
