package registry

import (
	"time"

	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// EventType 表示注册中心事件类型
type EventType string

const (
	// EventRegistered 服务注册事件
	EventRegistered EventType = "registered"
	// EventDeregistered 服务注销事件
	EventDeregistered EventType = "deregistered"
	// EventHealthChecked 健康检查完成事件
	EventHealthChecked EventType = "health-checked"
)

// Event 表示一次注册中心事件
type Event struct {
	Type        EventType          `json:"type"`
	ServiceID   string             `json:"service_id"`
	ServiceName string             `json:"service_name"`
	Status      model.HealthStatus `json:"status,omitempty"` // 健康检查事件携带检查结果
	Timestamp   time.Time          `json:"timestamp"`
}

// Subscriber 表示事件订阅回调
type Subscriber func(Event)
