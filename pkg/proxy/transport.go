package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// Transport 定义到下游实例的传输函数。网格核心只负责决定调用哪个实例
// 以及是否调用，真正的传输协议由嵌入方提供。
type Transport func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error)

// NewHTTPTransport 返回基于JSON over HTTP的默认传输实现，
// 将params以POST方式发送到 protocol://endpoint:port/<method>。
func NewHTTPTransport(client *http.Client) Transport {
	if client == nil {
		client = &http.Client{}
	}

	return func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		url := fmt.Sprintf("%s://%s:%d/%s",
			instance.Protocol, instance.Endpoint, instance.Port, strings.TrimPrefix(method, "/"))

		// 准备请求体
		var bodyReader io.Reader
		if params != nil {
			bodyBytes, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("序列化请求体失败: %w", err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("读取响应体失败: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("下游返回非2xx状态码: %d, 响应内容: %s", resp.StatusCode, string(respBody))
		}

		// 空响应体直接返回nil
		if len(respBody) == 0 {
			return nil, nil
		}

		var result interface{}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("解析响应失败: %w", err)
		}
		return result, nil
	}
}
