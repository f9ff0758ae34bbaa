package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// epoch 序号的起始时间，序号在进程重启后依然递增
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator 时间有序的 uint64 序号生成器
type Generator struct {
	sf *sonyflake.Sonyflake
}

var (
	defaultGenerator *Generator
	defaultOnce      sync.Once
)

// DefaultGenerator 进程内共享的生成器
func DefaultGenerator() *Generator {
	defaultOnce.Do(func() { defaultGenerator = New() })
	return defaultGenerator
}

// New 创建生成器，主机没有可用的私有 IP 作为机器 ID 时使用机器 ID 0
func New() *Generator {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{StartTime: epoch})
	if sf == nil {
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: epoch,
			MachineID: func() (uint16, error) { return 0, nil },
		})
	}
	return &Generator{sf: sf}
}

// GenerateOrder 生成日志写入序号，后生成的序号总是更大
func (g *Generator) GenerateOrder() (uint64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, fmt.Errorf("generate journal order: %w", err)
	}
	return id, nil
}

// GenerateRequestID 生成 req-{序号} 格式的请求 ID
func (g *Generator) GenerateRequestID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("generate request ID: %w", err)
	}
	return "req-" + strconv.FormatUint(id, 10), nil
}

// GenerateOrder 使用默认生成器
func GenerateOrder() (uint64, error) {
	return DefaultGenerator().GenerateOrder()
}

// GenerateRequestID 使用默认生成器
func GenerateRequestID() (string, error) {
	return DefaultGenerator().GenerateRequestID()
}
