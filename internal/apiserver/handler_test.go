package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/pkg/mesh"
	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// healthyPinger 让所有实例立即通过健康检查
type healthyPinger struct{}

func (healthyPinger) Ping(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

// newTestServer 创建测试用的网格与echo路由
func newTestServer(t *testing.T) (*mesh.Mesh, *echo.Echo) {
	t.Helper()

	transport := func(ctx context.Context, instance *model.ServiceRegistration, method string, params interface{}) (interface{}, error) {
		return nil, nil
	}
	m := mesh.New(mesh.Config{}, transport, config.NewNopLogger())
	m.Registry().SetPinger(healthyPinger{})
	t.Cleanup(m.Close)

	e := echo.New()
	NewMeshHandler(m).RegisterRoutes(e)
	return m, e
}

// doRequest 执行一次测试请求并解析响应
func doRequest(t *testing.T, e *echo.Echo, method, path, body string) (int, *ApiResponse) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	resp := new(ApiResponse)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), resp))
	return rec.Code, resp
}

func TestRegisterService(t *testing.T) {
	_, e := newTestServer(t)

	body := `{
		"name": "billing",
		"endpoint": "127.0.0.1",
		"port": 9001,
		"tags": ["eu"],
		"health_check": {"interval": "50ms", "timeout": "20ms", "path": "/ping"}
	}`
	code, resp := doRequest(t, e, http.MethodPost, "/api/v1/services", body)
	require.Equal(t, http.StatusOK, code)

	// 响应携带生成的服务ID
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var registered RegisterResponse
	require.NoError(t, json.Unmarshal(data, &registered))
	assert.NotEmpty(t, registered.ServiceID)
	assert.False(t, registered.RegisteredAt.IsZero())
}

func TestRegisterService_Validation(t *testing.T) {
	_, e := newTestServer(t)

	// 缺少服务名称
	code, _ := doRequest(t, e, http.MethodPost, "/api/v1/services", `{"endpoint":"127.0.0.1","port":9001}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// 缺少服务地址
	code, _ = doRequest(t, e, http.MethodPost, "/api/v1/services", `{"name":"billing","port":9001}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// 非法端口
	code, _ = doRequest(t, e, http.MethodPost, "/api/v1/services", `{"name":"billing","endpoint":"127.0.0.1","port":70000}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// 非法健康检查周期
	code, _ = doRequest(t, e, http.MethodPost, "/api/v1/services",
		`{"name":"billing","endpoint":"127.0.0.1","port":9001,"health_check":{"interval":"soon"}}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeregisterService(t *testing.T) {
	m, e := newTestServer(t)

	id, err := m.RegisterService(&model.ServiceRegistration{
		Name:     "billing",
		Endpoint: "127.0.0.1",
		Port:     9001,
	})
	require.NoError(t, err)

	// 注销存在的服务
	code, _ := doRequest(t, e, http.MethodDelete, "/api/v1/services/"+id, "")
	assert.Equal(t, http.StatusOK, code)

	// 再次注销返回404
	code, _ = doRequest(t, e, http.MethodDelete, "/api/v1/services/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDiscoverServices(t *testing.T) {
	m, e := newTestServer(t)

	for _, name := range []string{"billing", "billing", "payments"} {
		_, err := m.RegisterService(&model.ServiceRegistration{
			Name:     name,
			Endpoint: "127.0.0.1",
			Port:     9001,
		})
		require.NoError(t, err)
	}

	// 按名称过滤
	code, resp := doRequest(t, e, http.MethodGet, "/api/v1/services?name=billing", "")
	require.Equal(t, http.StatusOK, code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var services []model.ServiceRegistration
	require.NoError(t, json.Unmarshal(data, &services))
	assert.Len(t, services, 2)

	// 不带条件返回全部
	code, resp = doRequest(t, e, http.MethodGet, "/api/v1/services", "")
	require.Equal(t, http.StatusOK, code)
	data, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &services))
	assert.Len(t, services, 3)
}

func TestGetServiceHealthAndMeshStatus(t *testing.T) {
	m, e := newTestServer(t)

	_, err := m.RegisterService(&model.ServiceRegistration{
		Name:     "billing",
		Endpoint: "127.0.0.1",
		Port:     9001,
		HealthCheck: model.HealthCheckConfig{
			Interval: 5 * time.Millisecond,
			Timeout:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.GetServiceHealth("billing").Healthy == 1
	}, time.Second, 5*time.Millisecond)

	// 服务健康汇总
	code, resp := doRequest(t, e, http.MethodGet, "/api/v1/services/billing/health", "")
	require.Equal(t, http.StatusOK, code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var health model.ServiceHealth
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, 1, health.Healthy)
	assert.Equal(t, 1, health.Total)

	// 网格状态
	code, resp = doRequest(t, e, http.MethodGet, "/api/v1/mesh/status", "")
	require.Equal(t, http.StatusOK, code)
	data, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	var status model.MeshStatus
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, 1, status.Services)
	assert.Equal(t, 1, status.Healthy)
}
