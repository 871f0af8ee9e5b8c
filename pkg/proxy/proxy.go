package proxy

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/balancer"
	"github.com/hewenyu/swarm-mesh/pkg/breaker"
	"github.com/hewenyu/swarm-mesh/pkg/model"
	"github.com/hewenyu/swarm-mesh/pkg/registry"
)

// CallContext 携带一次调用的调用方信息，中间件可以读写其中的字段
type CallContext struct {
	ClientIP string                 // 客户端IP，ip-hash策略使用
	TraceID  string                 // 链路追踪ID，由追踪中间件填充
	Values   map[string]interface{} // 中间件间传递的附加数据
}

// Middleware 在调用发起前依次执行，可以转换params并修改CallContext。
// 中间件只做旁路处理（追踪、指标等），不得吞掉错误。
type Middleware func(ctx context.Context, cc *CallContext, params interface{}) (interface{}, error)

// Options 服务代理配置
type Options struct {
	Strategy          balancer.Strategy // 负载均衡策略
	MaxRetries        int               // 最大重试次数（不含首次调用）
	RetryDelay        time.Duration     // 首次重试延迟
	BackoffMultiplier float64           // 重试退避倍数
	Breaker           breaker.Config    // 熔断器配置
}

// DefaultOptions 返回默认代理配置
func DefaultOptions() Options {
	return Options{
		Strategy:          balancer.StrategyRoundRobin,
		MaxRetries:        3,
		RetryDelay:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Breaker:           breaker.DefaultConfig(),
	}
}

// normalize 补齐零值配置项
func (o Options) normalize() Options {
	defaults := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = defaults.Strategy
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaults.RetryDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return o
}

// ServiceProxy 是某个目标服务的长生命周期调用代理，持有独立的
// 负载均衡器与熔断器，通过注册中心解析健康实例并带重试地发起调用。
type ServiceProxy struct {
	serviceName string
	reg         *registry.Registry
	lb          *balancer.LoadBalancer
	cb          *breaker.CircuitBreaker
	transport   Transport
	middlewares []Middleware
	opts        Options
	logger      config.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New 创建一个新的服务代理
func New(serviceName string, reg *registry.Registry, transport Transport, opts Options, logger config.Logger) *ServiceProxy {
	opts = opts.normalize()

	p := &ServiceProxy{
		serviceName: serviceName,
		reg:         reg,
		lb:          balancer.NewLoadBalancer(opts.Strategy),
		cb:          breaker.New(opts.Breaker),
		transport:   transport,
		opts:        opts,
		logger:      logger,
		sleep:       sleepWithContext,
	}

	// 熔断状态变更仅作为监控信号记录，不向调用方抛出
	p.cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("熔断器状态变更",
			zap.String("service_name", serviceName),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	return p
}

// Use 追加一个中间件，按追加顺序执行
func (p *ServiceProxy) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// Balancer 返回代理持有的负载均衡器
func (p *ServiceProxy) Balancer() *balancer.LoadBalancer {
	return p.lb
}

// Breaker 返回代理持有的熔断器
func (p *ServiceProxy) Breaker() *breaker.CircuitBreaker {
	return p.cb
}

// ServiceName 返回目标服务名称
func (p *ServiceProxy) ServiceName() string {
	return p.serviceName
}

// Call 发起一次服务调用：依次执行中间件链，再经熔断器执行带重试的
// 下游调用。可能返回ErrNoHealthyInstances、breaker.ErrCircuitOpen
// 或包装了最后一次下游错误的RetriesExhaustedError。
func (p *ServiceProxy) Call(ctx context.Context, method string, params interface{}, cc *CallContext) (interface{}, error) {
	if cc == nil {
		cc = &CallContext{}
	}
	if cc.Values == nil {
		cc.Values = make(map[string]interface{})
	}

	// 中间件链按序转换参数并注解调用上下文
	var err error
	for _, mw := range p.middlewares {
		params, err = mw(ctx, cc, params)
		if err != nil {
			return nil, fmt.Errorf("中间件执行失败: %w", err)
		}
	}

	return p.cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return p.retryableCall(ctx, method, params, cc)
	})
}

// retryableCall 带指数退避重试的调用主循环
func (p *ServiceProxy) retryableCall(ctx context.Context, method string, params interface{}, cc *CallContext) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		// 每次尝试都重新解析健康实例，没有健康实例时快速失败
		instances := p.reg.GetHealthyServices(p.serviceName)
		if len(instances) == 0 {
			return nil, ErrNoHealthyInstances
		}

		instance := p.lb.SelectInstance(instances, &balancer.PickContext{ClientIP: cc.ClientIP})
		if instance == nil {
			return nil, ErrNoHealthyInstances
		}

		result, err := p.invoke(ctx, instance, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		p.logger.Warn("服务调用失败",
			zap.String("service_name", p.serviceName),
			zap.String("instance_id", instance.ID),
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err))

		// 还有剩余尝试次数时按指数退避等待
		if attempt < p.opts.MaxRetries {
			delay := time.Duration(float64(p.opts.RetryDelay) * math.Pow(p.opts.BackoffMultiplier, float64(attempt)))
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &RetriesExhaustedError{
		ServiceName: p.serviceName,
		Attempts:    p.opts.MaxRetries + 1,
		Err:         lastErr,
	}
}

// invoke 执行单次下游调用，连接计数在任何返回路径上都成对释放
func (p *ServiceProxy) invoke(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
	p.lb.RecordConnection(instance.ID)
	defer p.lb.ReleaseConnection(instance.ID)

	return p.transport(ctx, instance, method, params)
}

// sleepWithContext 可被上下文取消的退避等待
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
