package mesh

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hewenyu/swarm-mesh/pkg/proxy"
)

// tracingMiddleware 将调用方上下文中的OpenTelemetry链路ID写入调用上下文，
// 调用方没有有效Span时生成一个新的追踪ID
func tracingMiddleware() proxy.Middleware {
	return func(ctx context.Context, cc *proxy.CallContext, params interface{}) (interface{}, error) {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			cc.TraceID = sc.TraceID().String()
		} else if cc.TraceID == "" {
			cc.TraceID = uuid.New().String()
		}
		return params, nil
	}
}

// metricsMiddleware 按服务名与方法计数网格调用次数
func metricsMiddleware(counter metric.Int64Counter, serviceName string) proxy.Middleware {
	return func(ctx context.Context, cc *proxy.CallContext, params interface{}) (interface{}, error) {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service.name", serviceName),
		))
		return params, nil
	}
}
