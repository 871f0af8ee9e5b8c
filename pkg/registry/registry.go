package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// Registry 是内存服务注册中心，负责维护服务实例记录并对每个实例
// 独立执行周期性健康检查。所有注册信息仅保存在进程内存中。
type Registry struct {
	mu       sync.RWMutex
	services map[string]*model.ServiceRegistration
	stops    map[string]chan struct{} // 每个实例的健康检查停止通道
	subs     []Subscriber
	pinger   Pinger
	defaults model.HealthCheckConfig // 注册时缺省字段使用的健康检查配置
	logger   config.Logger
	wg       sync.WaitGroup
	closed   bool
}

// NewRegistry 创建一个新的服务注册中心
func NewRegistry(logger config.Logger) *Registry {
	return &Registry{
		services: make(map[string]*model.ServiceRegistration),
		stops:    make(map[string]chan struct{}),
		pinger:   NewHTTPPinger(),
		defaults: model.DefaultHealthCheck(),
		logger:   logger,
	}
}

// SetPinger 替换健康检查探测器，主要用于测试
func (r *Registry) SetPinger(p Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinger = p
}

// SetDefaultHealthCheck 替换注册时缺省字段使用的健康检查配置，
// 零值字段回退到内置默认值
func (r *Registry) SetDefaultHealthCheck(cfg model.HealthCheckConfig) {
	builtin := model.DefaultHealthCheck()
	if cfg.Interval <= 0 {
		cfg.Interval = builtin.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = builtin.Timeout
	}
	if cfg.Path == "" {
		cfg.Path = builtin.Path
	}
	if cfg.Retries <= 0 {
		cfg.Retries = builtin.Retries
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}

// Subscribe 订阅注册中心事件，回调在事件发生的goroutine中同步执行
func (r *Registry) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Register 注册服务实例，缺省字段填充默认值，并启动该实例的健康检查任务
func (r *Registry) Register(spec *model.ServiceRegistration) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("注册信息不能为空")
	}
	if spec.Name == "" || spec.Endpoint == "" || spec.Port <= 0 {
		return "", fmt.Errorf("服务名称、地址和端口不能为空")
	}

	// 填充默认值
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	if spec.Protocol == "" {
		spec.Protocol = "http"
	}
	r.mu.RLock()
	defaults := r.defaults
	r.mu.RUnlock()
	if spec.HealthCheck.Interval <= 0 {
		spec.HealthCheck.Interval = defaults.Interval
	}
	if spec.HealthCheck.Timeout <= 0 {
		spec.HealthCheck.Timeout = defaults.Timeout
	}
	if spec.HealthCheck.Path == "" {
		spec.HealthCheck.Path = defaults.Path
	}
	if spec.HealthCheck.Retries <= 0 {
		spec.HealthCheck.Retries = defaults.Retries
	}

	now := time.Now()
	spec.Status = model.StatusRegistering
	spec.RegisteredAt = now
	spec.LastSeen = now

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("注册中心已关闭")
	}
	if _, exists := r.services[spec.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("服务ID已存在: %s", spec.ID)
	}

	// 存储深拷贝，调用方随后修改Metadata或Tags不会影响注册记录
	record := spec.Clone()
	stop := make(chan struct{})
	r.services[spec.ID] = record
	r.stops[spec.ID] = stop

	// 启动该实例的健康检查任务
	r.wg.Add(1)
	go r.runHealthLoop(record.ID, record.HealthCheck.Interval, stop)
	r.mu.Unlock()

	r.logger.Info("服务注册成功",
		zap.String("service_id", record.ID),
		zap.String("service_name", record.Name),
		zap.String("endpoint", record.Endpoint),
		zap.Int("port", record.Port))

	r.emit(Event{
		Type:        EventRegistered,
		ServiceID:   record.ID,
		ServiceName: record.Name,
		Timestamp:   now,
	})

	return record.ID, nil
}

// Deregister 注销服务实例并取消其健康检查任务，ID不存在时返回false
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	service, exists := r.services[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	name := service.Name
	close(r.stops[id])
	delete(r.stops, id)
	delete(r.services, id)
	r.mu.Unlock()

	r.logger.Info("服务注销成功",
		zap.String("service_id", id),
		zap.String("service_name", name))

	r.emit(Event{
		Type:        EventDeregistered,
		ServiceID:   id,
		ServiceName: name,
		Timestamp:   time.Now(),
	})

	return true
}

// GetService 根据ID获取服务实例快照
func (r *Registry) GetService(id string) (*model.ServiceRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, exists := r.services[id]
	if !exists {
		return nil, false
	}
	return service.Clone(), true
}

// Discover 按条件查询服务实例，返回实例快照列表
func (r *Registry) Discover(criteria model.Criteria) []*model.ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.ServiceRegistration
	for _, service := range r.services {
		if criteria.Matches(service) {
			result = append(result, service.Clone())
		}
	}

	// 返回稳定顺序，保证轮询和IP哈希策略在相同候选集合上结果一致
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// GetHealthyServices 查询指定名称下所有健康的服务实例
func (r *Registry) GetHealthyServices(name string) []*model.ServiceRegistration {
	return r.Discover(model.Criteria{Name: name, Status: model.StatusHealthy})
}

// Close 关闭注册中心，停止所有健康检查任务
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, stop := range r.stops {
		close(stop)
		delete(r.stops, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("注册中心已关闭")
}

// runHealthLoop 按固定周期对单个实例执行健康检查，直到实例被注销
func (r *Registry) runHealthLoop(id string, interval time.Duration, stop chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.checkInstance(id)
		case <-stop:
			return
		}
	}
}

// checkInstance 对单个实例执行一次健康检查并更新其状态。
// 探测失败只会将该实例标记为不健康，下一个周期会再次尝试。
func (r *Registry) checkInstance(id string) {
	// 读取实例快照，实例可能已被注销
	r.mu.RLock()
	service, exists := r.services[id]
	if !exists {
		r.mu.RUnlock()
		return
	}
	url := fmt.Sprintf("%s://%s:%d%s", service.Protocol, service.Endpoint, service.Port, service.HealthCheck.Path)
	timeout := service.HealthCheck.Timeout
	name := service.Name
	pinger := r.pinger
	r.mu.RUnlock()

	err := pinger.Ping(context.Background(), url, timeout)

	status := model.StatusHealthy
	if err != nil {
		status = model.StatusUnhealthy
	}

	// 实例在探测期间可能被注销，注销后不再更新任何状态
	now := time.Now()
	r.mu.Lock()
	service, exists = r.services[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	previous := service.Status
	service.Status = status
	service.LastSeen = now
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("健康检查失败",
			zap.String("service_id", id),
			zap.String("service_name", name),
			zap.String("url", url),
			zap.Error(err))
	} else if previous != model.StatusHealthy {
		r.logger.Info("健康检查通过",
			zap.String("service_id", id),
			zap.String("service_name", name),
			zap.String("previous_status", string(previous)))
	}

	r.emit(Event{
		Type:        EventHealthChecked,
		ServiceID:   id,
		ServiceName: name,
		Status:      status,
		Timestamp:   now,
	})
}

// emit 向所有订阅者分发事件
func (r *Registry) emit(event Event) {
	r.mu.RLock()
	subs := make([]Subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
