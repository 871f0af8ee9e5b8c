package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger 定义健康检查探测接口
type Pinger interface {
	// Ping 对目标地址发起一次健康探测，返回nil表示健康
	Ping(ctx context.Context, url string, timeout time.Duration) error
}

// HTTPPinger 基于HTTP GET实现Pinger接口
type HTTPPinger struct {
	client *http.Client
}

// NewHTTPPinger 创建一个新的HTTP健康检查探测器
func NewHTTPPinger() *HTTPPinger {
	return &HTTPPinger{
		client: &http.Client{},
	}
}

// Ping 发起HTTP GET请求，2xx响应视为健康，其余情况（非2xx、超时、连接错误）视为不健康
func (p *HTTPPinger) Ping(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("健康检查返回非2xx状态码: %d", resp.StatusCode)
	}

	return nil
}
