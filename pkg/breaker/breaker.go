package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen 表示熔断器处于打开状态，请求在发起前即被拒绝
var ErrCircuitOpen = errors.New("熔断器已打开，请求被拒绝")

// State 表示熔断器状态
type State int32

const (
	// StateClosed 关闭状态，请求正常通过
	StateClosed State = iota
	// StateOpen 打开状态，请求被直接拒绝
	StateOpen
	// StateHalfOpen 半开状态，允许试探性请求通过
	StateHalfOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	FailureThreshold         int           // 连续失败多少次后打开熔断器
	ResetTimeout             time.Duration // 打开后多久允许试探请求
	MonitoringPeriod         time.Duration // 滑动窗口的时间跨度
	MinimumRequests          int           // 按错误率判断前窗口内的最少请求数
	ErrorPercentageThreshold float64       // 触发熔断的窗口错误率（百分比）
}

// DefaultConfig 返回默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		ResetTimeout:             60 * time.Second,
		MonitoringPeriod:         10 * time.Second,
		MinimumRequests:          20,
		ErrorPercentageThreshold: 50,
	}
}

// normalize 补齐零值配置项
func (c Config) normalize() Config {
	defaults := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaults.ResetTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = defaults.MonitoringPeriod
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = defaults.MinimumRequests
	}
	if c.ErrorPercentageThreshold <= 0 {
		c.ErrorPercentageThreshold = defaults.ErrorPercentageThreshold
	}
	return c
}

// outcome 滑动窗口中的一条请求结果记录
type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker 实现三态熔断状态机，用于隔离持续失败的下游目标。
// 状态变更与熔断条件判定在同一把锁内完成，下游调用本身在锁外执行。
type CircuitBreaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	nextAttemptTime     time.Time
	halfOpenInFlight    bool // 半开状态下是否已有在途试探请求
	window              []outcome
	onStateChange       func(from, to State)
}

// New 创建一个新的熔断器
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.normalize(),
		state: StateClosed,
	}
}

// OnStateChange 注册状态变更回调，用于监控；回调在状态变更的goroutine中同步执行
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State 返回当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute 通过熔断器执行下游调用。打开状态且未到重试时间时直接返回
// ErrCircuitOpen而不触发调用；到达重试时间后转为半开并放行一次试探。
func (cb *CircuitBreaker) Execute(ctx context.Context, call func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	result, err := call(ctx)
	cb.afterCall(err == nil)
	return result, err
}

// Reset 强制恢复到关闭状态并清空所有计数，仅用于管理性恢复
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.halfOpenInFlight = false
	cb.window = nil
}

// beforeCall 在发起调用前检查熔断状态
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return ErrCircuitOpen
		}
		// 冷却期已过，转为半开放行试探请求
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = true
	case StateHalfOpen:
		// 半开状态只允许一个在途试探请求，其余并发请求直接拒绝
		if cb.halfOpenInFlight {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight = true
	}
	return nil
}

// afterCall 记录调用结果并执行状态迁移
func (cb *CircuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.pruneWindow(now)
	cb.window = append(cb.window, outcome{at: now, success: success})

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight = false
	}

	if success {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = now

	if cb.state == StateHalfOpen {
		// 试探失败，立即回到打开状态并重新计时
		cb.transition(StateOpen)
		cb.nextAttemptTime = now.Add(cb.cfg.ResetTimeout)
		return
	}

	if cb.shouldOpen() {
		cb.transition(StateOpen)
		cb.nextAttemptTime = now.Add(cb.cfg.ResetTimeout)
	}
}

// shouldOpen 判定熔断条件：连续失败数达到阈值，或窗口内请求数达到
// 最小样本量且错误率达到阈值。两个条件为独立的或关系。
func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		return true
	}

	total := len(cb.window)
	if total < cb.cfg.MinimumRequests {
		return false
	}

	failures := 0
	for _, o := range cb.window {
		if !o.success {
			failures++
		}
	}
	percentage := float64(failures) / float64(total) * 100
	return percentage >= cb.cfg.ErrorPercentageThreshold
}

// pruneWindow 移除滑动窗口中超出监控周期的记录
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitoringPeriod)
	idx := 0
	for idx < len(cb.window) && cb.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.window = cb.window[idx:]
	}
}

// transition 执行状态迁移并触发回调，调用方必须持有锁
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
