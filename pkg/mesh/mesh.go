package mesh

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/model"
	"github.com/hewenyu/swarm-mesh/pkg/proxy"
	"github.com/hewenyu/swarm-mesh/pkg/registry"
)

// instrumentationName 用于从全局Provider获取Meter
const instrumentationName = "github.com/hewenyu/swarm-mesh/pkg/mesh"

// Config 网格级配置
type Config struct {
	EnableTracing bool // 创建代理时注入追踪中间件
	EnableMetrics bool // 创建代理时注入指标中间件

	// ProxyDefaults 是GetProxy收到零值Options时使用的代理配置
	ProxyDefaults proxy.Options
	// HealthCheckDefaults 是注册时缺省字段使用的健康检查配置，
	// 零值字段回退到内置默认值
	HealthCheckDefaults model.HealthCheckConfig
}

// Mesh 是服务网格客户端的顶层入口，持有注册中心并按
// (服务名, 代理配置) 缓存服务代理。
type Mesh struct {
	mu          sync.Mutex
	reg         *registry.Registry
	proxies     map[string]*proxy.ServiceProxy
	transport   proxy.Transport
	cfg         Config
	logger      config.Logger
	callCounter metric.Int64Counter
}

// New 创建一个新的服务网格实例
func New(cfg Config, transport proxy.Transport, logger config.Logger) *Mesh {
	m := &Mesh{
		reg:       registry.NewRegistry(logger),
		proxies:   make(map[string]*proxy.ServiceProxy),
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}

	if cfg.HealthCheckDefaults != (model.HealthCheckConfig{}) {
		m.reg.SetDefaultHealthCheck(cfg.HealthCheckDefaults)
	}

	if cfg.EnableMetrics {
		counter, err := otel.Meter(instrumentationName).Int64Counter("mesh.proxy.calls",
			metric.WithDescription("通过服务代理发起的调用次数"))
		if err != nil {
			logger.Warn("创建调用计数器失败，指标中间件被禁用", zap.Error(err))
		} else {
			m.callCounter = counter
		}
	}

	return m
}

// Registry 返回网格持有的注册中心
func (m *Mesh) Registry() *registry.Registry {
	return m.reg
}

// RegisterService 注册服务实例
func (m *Mesh) RegisterService(spec *model.ServiceRegistration) (string, error) {
	return m.reg.Register(spec)
}

// DeregisterService 注销服务实例，ID不存在时返回false
func (m *Mesh) DeregisterService(id string) bool {
	return m.reg.Deregister(id)
}

// DiscoverServices 按条件查询服务实例
func (m *Mesh) DiscoverServices(criteria model.Criteria) []*model.ServiceRegistration {
	return m.reg.Discover(criteria)
}

// Subscribe 订阅注册中心事件
func (m *Mesh) Subscribe(fn registry.Subscriber) {
	m.reg.Subscribe(fn)
}

// GetProxy 获取目标服务的调用代理。相同的(服务名, 配置)返回同一个
// 缓存实例，复用其熔断器与负载均衡器状态；首次创建时按网格配置
// 注入追踪与指标中间件。零值Options使用网格级默认代理配置。
func (m *Mesh) GetProxy(serviceName string, opts proxy.Options) *proxy.ServiceProxy {
	if opts == (proxy.Options{}) {
		opts = m.cfg.ProxyDefaults
	}
	key := proxyKey(serviceName, opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.proxies[key]; exists {
		return p
	}

	p := proxy.New(serviceName, m.reg, m.transport, opts, m.logger)
	if m.cfg.EnableTracing {
		p.Use(tracingMiddleware())
	}
	if m.cfg.EnableMetrics && m.callCounter != nil {
		p.Use(metricsMiddleware(m.callCounter, serviceName))
	}

	m.proxies[key] = p
	m.logger.Info("创建服务代理",
		zap.String("service_name", serviceName),
		zap.String("strategy", string(opts.Strategy)))

	return p
}

// GetServiceHealth 汇总指定服务名下所有实例的健康状况
func (m *Mesh) GetServiceHealth(name string) model.ServiceHealth {
	instances := m.reg.Discover(model.Criteria{Name: name})
	return summarize(instances)
}

// GetMeshStatus 汇总整个网格的运行状态
func (m *Mesh) GetMeshStatus() model.MeshStatus {
	instances := m.reg.Discover(model.Criteria{})

	byName := make(map[string][]*model.ServiceRegistration)
	for _, instance := range instances {
		byName[instance.Name] = append(byName[instance.Name], instance)
	}

	details := make(map[string]model.ServiceHealth, len(byName))
	healthy, unhealthy := 0, 0
	for name, group := range byName {
		summary := summarize(group)
		details[name] = summary
		healthy += summary.Healthy
		unhealthy += summary.Unhealthy
	}

	m.mu.Lock()
	proxies := len(m.proxies)
	m.mu.Unlock()

	return model.MeshStatus{
		Services:  len(instances),
		Healthy:   healthy,
		Unhealthy: unhealthy,
		Proxies:   proxies,
		Details:   details,
	}
}

// Close 关闭网格，停止所有健康检查任务
func (m *Mesh) Close() {
	m.reg.Close()
}

// summarize 统计一组实例的健康汇总
func summarize(instances []*model.ServiceRegistration) model.ServiceHealth {
	summary := model.ServiceHealth{Total: len(instances)}
	for _, instance := range instances {
		switch instance.Status {
		case model.StatusHealthy:
			summary.Healthy++
		case model.StatusUnhealthy:
			summary.Unhealthy++
		}
	}
	if summary.Total > 0 {
		summary.Percentage = float64(summary.Healthy) / float64(summary.Total) * 100
	}
	return summary
}

// proxyKey 构造代理缓存键，包含服务名与全部代理配置
func proxyKey(serviceName string, opts proxy.Options) string {
	return fmt.Sprintf("%s|%s|%d|%s|%g|%d|%s|%s|%d|%g",
		serviceName,
		opts.Strategy,
		opts.MaxRetries,
		opts.RetryDelay,
		opts.BackoffMultiplier,
		opts.Breaker.FailureThreshold,
		opts.Breaker.ResetTimeout,
		opts.Breaker.MonitoringPeriod,
		opts.Breaker.MinimumRequests,
		opts.Breaker.ErrorPercentageThreshold)
}
