package balancer

import (
	"fmt"
)

// Strategy 表示负载均衡策略
type Strategy string

const (
	// StrategyRoundRobin 轮询策略
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastConnections 最少连接策略
	StrategyLeastConnections Strategy = "least-connections"
	// StrategyWeighted 加权随机策略
	StrategyWeighted Strategy = "weighted"
	// StrategyRandom 随机策略
	StrategyRandom Strategy = "random"
	// StrategyIPHash 客户端IP哈希策略
	StrategyIPHash Strategy = "ip-hash"
)

// ErrInvalidStrategy 表示未知的负载均衡策略名称
type ErrInvalidStrategy struct {
	Name string
}

// Error 实现error接口
func (e *ErrInvalidStrategy) Error() string {
	return fmt.Sprintf("无效的负载均衡策略: %s", e.Name)
}

// ParseStrategy 校验并解析策略名称
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted, StrategyRandom, StrategyIPHash:
		return Strategy(name), nil
	default:
		return "", &ErrInvalidStrategy{Name: name}
	}
}
