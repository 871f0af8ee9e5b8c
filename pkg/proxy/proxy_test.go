package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/balancer"
	"github.com/hewenyu/swarm-mesh/pkg/breaker"
	"github.com/hewenyu/swarm-mesh/pkg/model"
	"github.com/hewenyu/swarm-mesh/pkg/registry"
)

// healthyPinger 让所有实例立即通过健康检查
type healthyPinger struct{}

func (healthyPinger) Ping(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

// newTestRegistry 创建注册中心并注册count个立即健康的实例
func newTestRegistry(t *testing.T, serviceName string, count int) *registry.Registry {
	t.Helper()

	r := registry.NewRegistry(config.NewNopLogger())
	r.SetPinger(healthyPinger{})
	t.Cleanup(r.Close)

	for i := 0; i < count; i++ {
		_, err := r.Register(&model.ServiceRegistration{
			Name:     serviceName,
			Endpoint: "127.0.0.1",
			Port:     9000 + i,
			HealthCheck: model.HealthCheckConfig{
				Interval: 5 * time.Millisecond,
				Timeout:  5 * time.Millisecond,
			},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(r.GetHealthyServices(serviceName)) == count
	}, time.Second, 5*time.Millisecond)

	return r
}

// recordSleeps 替换代理的退避等待，记录每次延迟而不真正休眠
func recordSleeps(p *ServiceProxy) *[]time.Duration {
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

func TestProxy_NoHealthyInstances(t *testing.T) {
	r := registry.NewRegistry(config.NewNopLogger())
	t.Cleanup(r.Close)

	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		t.Fatal("没有健康实例时不应触发传输")
		return nil, nil
	}

	p := New("billing", r, transport, DefaultOptions(), config.NewNopLogger())
	_, err := p.Call(context.Background(), "charge", nil, nil)
	require.ErrorIs(t, err, ErrNoHealthyInstances)
}

func TestProxy_SuccessAndMiddleware(t *testing.T) {
	r := newTestRegistry(t, "billing", 2)

	var seenParams interface{}
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		seenParams = params
		return map[string]interface{}{"status": "ok"}, nil
	}

	p := New("billing", r, transport, DefaultOptions(), config.NewNopLogger())

	// 中间件转换参数并注解调用上下文
	p.Use(func(ctx context.Context, cc *CallContext, params interface{}) (interface{}, error) {
		cc.Values["annotated"] = true
		return fmt.Sprintf("%v-transformed", params), nil
	})

	cc := &CallContext{}
	result, err := p.Call(context.Background(), "charge", "payload", cc)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, result)
	assert.Equal(t, "payload-transformed", seenParams)
	assert.Equal(t, true, cc.Values["annotated"])
}

func TestProxy_MiddlewareErrorPropagates(t *testing.T) {
	r := newTestRegistry(t, "billing", 1)

	invoked := false
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		invoked = true
		return nil, nil
	}

	p := New("billing", r, transport, DefaultOptions(), config.NewNopLogger())

	mwErr := errors.New("中间件校验失败")
	p.Use(func(ctx context.Context, cc *CallContext, params interface{}) (interface{}, error) {
		return nil, mwErr
	})

	_, err := p.Call(context.Background(), "charge", nil, nil)
	require.ErrorIs(t, err, mwErr)
	assert.False(t, invoked)
}

func TestProxy_RetryBackoff(t *testing.T) {
	r := newTestRegistry(t, "billing", 1)

	downstreamErr := errors.New("连接被拒绝")
	attempts := 0
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		attempts++
		return nil, downstreamErr
	}

	opts := DefaultOptions()
	opts.MaxRetries = 3
	opts.RetryDelay = 100 * time.Millisecond
	opts.BackoffMultiplier = 2.0

	p := New("billing", r, transport, opts, config.NewNopLogger())
	delays := recordSleeps(p)

	_, err := p.Call(context.Background(), "charge", nil, nil)

	// 首次调用加3次重试，退避延迟依次为100ms、200ms、400ms
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, *delays)

	// 错误为RetriesExhausted并包装最后一次下游错误
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, "billing", exhausted.ServiceName)
	require.ErrorIs(t, err, downstreamErr)
}

func TestProxy_RetryThenSuccess(t *testing.T) {
	r := newTestRegistry(t, "billing", 1)

	attempts := 0
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("暂时不可用")
		}
		return "recovered", nil
	}

	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond

	p := New("billing", r, transport, opts, config.NewNopLogger())
	result, err := p.Call(context.Background(), "charge", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 3, attempts)
}

func TestProxy_CircuitOpenRejectsWithoutTransport(t *testing.T) {
	r := newTestRegistry(t, "billing", 1)

	attempts := 0
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		attempts++
		return nil, errors.New("持续失败")
	}

	opts := DefaultOptions()
	opts.MaxRetries = 0
	opts.RetryDelay = time.Millisecond
	opts.Breaker = breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}

	p := New("billing", r, transport, opts, config.NewNopLogger())

	// 第一次调用失败并触发熔断
	_, err := p.Call(context.Background(), "charge", nil, nil)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, p.Breaker().State())
	attemptsBefore := attempts

	// 熔断打开后的调用被直接拒绝，不再触发传输
	_, err = p.Call(context.Background(), "charge", nil, nil)
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, attemptsBefore, attempts)
}

func TestProxy_ConnectionPairing(t *testing.T) {
	r := newTestRegistry(t, "billing", 1)

	var p *ServiceProxy
	var instanceID string
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		instanceID = instance.ID
		// 调用期间连接计数为1
		assert.Equal(t, 1, p.Balancer().ConnectionCount(instance.ID))
		return nil, errors.New("失败路径同样释放连接")
	}

	opts := DefaultOptions()
	opts.MaxRetries = 1
	opts.RetryDelay = time.Millisecond

	p = New("billing", r, transport, opts, config.NewNopLogger())
	_, err := p.Call(context.Background(), "charge", nil, nil)
	require.Error(t, err)

	// 失败路径上连接计数同样成对释放
	assert.Equal(t, 0, p.Balancer().ConnectionCount(instanceID))
}

func TestProxy_IPHashUsesCallContext(t *testing.T) {
	r := newTestRegistry(t, "billing", 3)

	var mu sync.Mutex
	hits := make(map[string]int)
	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		hits[instance.ID]++
		return nil, nil
	}

	opts := DefaultOptions()
	opts.Strategy = balancer.StrategyIPHash

	p := New("billing", r, transport, opts, config.NewNopLogger())

	// 相同客户端IP的调用始终落在同一个实例
	for i := 0; i < 10; i++ {
		_, err := p.Call(context.Background(), "charge", nil, &CallContext{ClientIP: "10.1.2.3"})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, hits, 1)
}
