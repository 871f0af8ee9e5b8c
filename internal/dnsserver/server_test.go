package dnsserver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/model"
	"github.com/hewenyu/swarm-mesh/pkg/registry"
)

// healthyPinger 让所有实例立即通过健康检查
type healthyPinger struct{}

func (healthyPinger) Ping(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

// newTestDNSServer 创建测试用的注册中心与DNS服务器
func newTestDNSServer(t *testing.T) (*registry.Registry, *DNSServer) {
	t.Helper()

	r := registry.NewRegistry(config.NewNopLogger())
	r.SetPinger(healthyPinger{})
	t.Cleanup(r.Close)

	cfg := &config.Config{}
	cfg.DNS.Zone = "mesh.local"
	cfg.DNS.Protocol = "udp"

	return r, NewDNSServer(r, cfg, config.NewNopLogger())
}

// registerHealthy 注册实例并等待其通过健康检查
func registerHealthy(t *testing.T, r *registry.Registry, name, endpoint string, port int) {
	t.Helper()

	_, err := r.Register(&model.ServiceRegistration{
		Name:     name,
		Endpoint: endpoint,
		Port:     port,
		HealthCheck: model.HealthCheckConfig{
			Interval: 5 * time.Millisecond,
			Timeout:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(r.GetHealthyServices(name)) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestDNSServer_AQuery(t *testing.T) {
	r, s := newTestDNSServer(t)
	registerHealthy(t, r, "billing", "10.0.0.5", 9001)
	registerHealthy(t, r, "billing", "10.0.0.6", 9002)

	m := new(dns.Msg)
	q := dns.Question{Name: "billing.mesh.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	// 健康实例以A记录返回
	found := s.answerQuery(q, m)
	require.True(t, found)
	require.Len(t, m.Answer, 2)

	ips := make(map[string]bool)
	for _, rr := range m.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		ips[a.A.String()] = true
	}
	assert.True(t, ips["10.0.0.5"])
	assert.True(t, ips["10.0.0.6"])
}

func TestDNSServer_SRVQuery(t *testing.T) {
	r, s := newTestDNSServer(t)
	registerHealthy(t, r, "billing", "10.0.0.5", 9001)

	m := new(dns.Msg)
	q := dns.Question{Name: "billing.mesh.local.", Qtype: dns.TypeSRV, Qclass: dns.ClassINET}

	// SRV记录携带实例端口
	found := s.answerQuery(q, m)
	require.True(t, found)
	require.Len(t, m.Answer, 1)

	srv, ok := m.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(9001), srv.Port)
}

func TestDNSServer_UnknownOrUnhealthy(t *testing.T) {
	r, s := newTestDNSServer(t)

	// 未注册的服务名没有应答
	m := new(dns.Msg)
	q := dns.Question{Name: "unknown.mesh.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.False(t, s.answerQuery(q, m))
	assert.Empty(t, m.Answer)

	// 区域外的域名没有应答
	q = dns.Question{Name: "billing.other.zone.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.False(t, s.answerQuery(q, m))

	// 注册但尚未通过健康检查的实例不出现在应答中
	_, err := r.Register(&model.ServiceRegistration{
		Name:     "billing",
		Endpoint: "10.0.0.5",
		Port:     9001,
		HealthCheck: model.HealthCheckConfig{
			Interval: time.Hour,
			Timeout:  time.Second,
		},
	})
	require.NoError(t, err)

	q = dns.Question{Name: "billing.mesh.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.False(t, s.answerQuery(q, m))
}

func TestDNSServer_HostnameEndpointSkippedForA(t *testing.T) {
	r, s := newTestDNSServer(t)
	registerHealthy(t, r, "billing", "billing-0.internal", 9001)

	// 主机名形式的实例无法作为A记录返回
	m := new(dns.Msg)
	q := dns.Question{Name: "billing.mesh.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.False(t, s.answerQuery(q, m))

	// 但可以作为SRV记录的Target返回
	q = dns.Question{Name: "billing.mesh.local.", Qtype: dns.TypeSRV, Qclass: dns.ClassINET}
	require.True(t, s.answerQuery(q, m))
	srv, ok := m.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, "billing-0.internal.", srv.Target)
}
