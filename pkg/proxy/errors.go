package proxy

import (
	"errors"
	"fmt"
)

// ErrNoHealthyInstances 表示目标服务当前没有任何健康实例
var ErrNoHealthyInstances = errors.New("没有可用的健康服务实例")

// RetriesExhaustedError 表示重试次数耗尽，包装最后一次下游错误
type RetriesExhaustedError struct {
	ServiceName string
	Attempts    int
	Err         error
}

// Error 实现error接口
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("服务 %s 调用失败，已重试%d次: %v", e.ServiceName, e.Attempts, e.Err)
}

// Unwrap 返回被包装的下游错误
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
