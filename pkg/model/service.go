package model

import (
	"time"
)

// HealthStatus 表示服务实例的健康状态
type HealthStatus string

const (
	// StatusRegistering 表示服务刚注册，尚未完成首次健康检查
	StatusRegistering HealthStatus = "registering"
	// StatusHealthy 表示服务健康
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy 表示服务不健康
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckConfig 表示单个服务实例的健康检查配置
type HealthCheckConfig struct {
	Interval time.Duration `json:"interval"` // 健康检查周期
	Timeout  time.Duration `json:"timeout"`  // 单次检查超时时间
	Path     string        `json:"path"`     // 健康检查HTTP路径
	Retries  int           `json:"retries"`  // 预留的重试次数配置
}

// DefaultHealthCheck 返回默认的健康检查配置
func DefaultHealthCheck() HealthCheckConfig {
	return HealthCheckConfig{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Path:     "/health",
		Retries:  3,
	}
}

// ServiceRegistration 表示一个已注册的服务实例
type ServiceRegistration struct {
	ID           string            `json:"id"`                 // 服务实例唯一ID
	Name         string            `json:"name"`               // 服务名称
	Version      string            `json:"version"`            // 服务版本，默认"1.0.0"
	Endpoint     string            `json:"endpoint"`           // 服务主机地址
	Protocol     string            `json:"protocol"`           // 访问协议，默认"http"
	Port         int               `json:"port"`               // 服务端口
	Tags         []string          `json:"tags,omitempty"`     // 服务标签
	Metadata     map[string]string `json:"metadata,omitempty"` // 服务元数据
	HealthCheck  HealthCheckConfig `json:"health_check"`       // 健康检查配置
	Status       HealthStatus      `json:"status"`             // 健康状态，仅由健康检查更新
	RegisteredAt time.Time         `json:"registered_at"`      // 注册时间
	LastSeen     time.Time         `json:"last_seen"`          // 最后一次健康检查时间
}

// Clone 返回实例的深拷贝，Tags与Metadata不与原实例共享
func (s *ServiceRegistration) Clone() *ServiceRegistration {
	cp := *s
	if s.Tags != nil {
		cp.Tags = make([]string, len(s.Tags))
		copy(cp.Tags, s.Tags)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Criteria 表示服务发现的过滤条件，零值字段表示该维度不做过滤
type Criteria struct {
	Name    string       `json:"name,omitempty"`
	Version string       `json:"version,omitempty"`
	Status  HealthStatus `json:"status,omitempty"`
	Tags    []string     `json:"tags,omitempty"` // 实例必须包含全部给定标签
}

// Matches 判断服务实例是否满足过滤条件
func (c Criteria) Matches(s *ServiceRegistration) bool {
	if c.Name != "" && s.Name != c.Name {
		return false
	}
	if c.Version != "" && s.Version != c.Version {
		return false
	}
	if c.Status != "" && s.Status != c.Status {
		return false
	}
	for _, tag := range c.Tags {
		if !containsTag(s.Tags, tag) {
			return false
		}
	}
	return true
}

// containsTag 判断标签列表中是否包含指定标签
func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ServiceHealth 表示某个服务名下所有实例的健康汇总
type ServiceHealth struct {
	Healthy    int     `json:"healthy"`
	Unhealthy  int     `json:"unhealthy"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"` // 健康实例占比（0-100）
}

// MeshStatus 表示整个服务网格的运行状态
type MeshStatus struct {
	Services  int                      `json:"services"`  // 已注册实例总数
	Healthy   int                      `json:"healthy"`   // 健康实例总数
	Unhealthy int                      `json:"unhealthy"` // 不健康实例总数
	Proxies   int                      `json:"proxies"`   // 已创建的服务代理数
	Details   map[string]ServiceHealth `json:"details"`   // 按服务名汇总的健康详情
}
