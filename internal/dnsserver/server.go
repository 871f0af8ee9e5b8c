package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/registry"
)

// recordTTL 返回给客户端的DNS记录TTL（秒），注册状态随健康检查变化，保持较短
const recordTTL = 30

// Server 定义DNS服务器接口
type Server interface {
	// Start 启动DNS服务器
	Start() error

	// Shutdown 优雅关闭DNS服务器
	Shutdown(ctx context.Context) error
}

// DNSServer 基于注册中心提供DNS服务发现：对 <service>.<zone> 的A查询
// 返回健康实例的地址，SRV查询额外携带端口。
type DNSServer struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	cfg       *config.Config
	zone      string
	reg       *registry.Registry
	logger    config.Logger
}

// NewDNSServer 创建一个新的DNS服务器
func NewDNSServer(reg *registry.Registry, cfg *config.Config, logger config.Logger) *DNSServer {
	return &DNSServer{
		cfg:    cfg,
		zone:   strings.TrimSuffix(strings.ToLower(cfg.DNS.Zone), "."),
		reg:    reg,
		logger: logger,
	}
}

// Start 启动DNS服务器
func (s *DNSServer) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("zone", s.zone))

	// 创建DNS处理器
	handler := dns.NewServeMux()
	handler.HandleFunc(".", s.handleDNSRequest)

	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))

	// 根据配置启动对应协议的服务器
	switch s.cfg.DNS.Protocol {
	case "udp":
		return s.startServer(&s.udpServer, addr, "udp", handler)
	case "tcp":
		return s.startServer(&s.tcpServer, addr, "tcp", handler)
	case "both":
		if err := s.startServer(&s.udpServer, addr, "udp", handler); err != nil {
			return err
		}
		return s.startServer(&s.tcpServer, addr, "tcp", handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startServer 在后台启动指定协议的DNS服务器
func (s *DNSServer) startServer(target **dns.Server, addr, network string, handler dns.Handler) error {
	srv := &dns.Server{
		Addr:    addr,
		Net:     network,
		Handler: handler,
	}
	*target = srv

	s.logger.Info("启动DNS监听", zap.String("addr", addr), zap.String("net", network))

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，关闭时的错误只记录日志
			s.logger.Error("DNS服务器错误", zap.String("net", network), zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			return fmt.Errorf("关闭UDP DNS服务器失败: %w", err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			return fmt.Errorf("关闭TCP DNS服务器失败: %w", err)
		}
	}

	return nil
}

// handleDNSRequest 处理DNS请求
func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	found := false
	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]))

		if s.answerQuery(q, m) {
			found = true
		}
	}

	// 没有任何答案时返回NXDOMAIN
	if !found {
		m.SetRcode(r, dns.RcodeNameError)
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// answerQuery 处理单个DNS查询问题，从注册中心的健康实例构造应答
func (s *DNSServer) answerQuery(q dns.Question, m *dns.Msg) bool {
	// 解析 <service>.<zone> 形式的域名
	domain := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	suffix := "." + s.zone
	if !strings.HasSuffix(domain, suffix) {
		return false
	}
	serviceName := strings.TrimSuffix(domain, suffix)
	if serviceName == "" || strings.Contains(serviceName, ".") {
		return false
	}

	instances := s.reg.GetHealthyServices(serviceName)
	if len(instances) == 0 {
		return false
	}

	answered := false
	for _, instance := range instances {
		switch q.Qtype {
		case dns.TypeA:
			// 只有以IP形式注册的实例才能作为A记录返回
			ip := net.ParseIP(instance.Endpoint)
			if ip == nil || ip.To4() == nil {
				continue
			}
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: recordTTL},
				A:   ip.To4(),
			})
			answered = true
		case dns.TypeSRV:
			target := dns.Fqdn(instance.Endpoint)
			m.Answer = append(m.Answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: recordTTL},
				Priority: 0,
				Weight:   0,
				Port:     uint16(instance.Port),
				Target:   target,
			})
			answered = true
		}
	}

	return answered
}
