package apiserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/swarm-mesh/pkg/mesh"
	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RegisterRequest 表示服务注册请求
type RegisterRequest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version,omitempty"`
	Endpoint    string            `json:"endpoint"`
	Protocol    string            `json:"protocol,omitempty"`
	Port        int               `json:"port"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	HealthCheck struct {
		Interval string `json:"interval,omitempty"`
		Timeout  string `json:"timeout,omitempty"`
		Path     string `json:"path,omitempty"`
		Retries  int    `json:"retries,omitempty"`
	} `json:"health_check"`
}

// RegisterResponse 表示服务注册响应
type RegisterResponse struct {
	ServiceID    string    `json:"service_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// MeshHandler 处理服务网格的HTTP请求
type MeshHandler struct {
	mesh *mesh.Mesh
}

// NewMeshHandler 创建一个新的网格API处理器
func NewMeshHandler(m *mesh.Mesh) *MeshHandler {
	return &MeshHandler{mesh: m}
}

// RegisterRoutes 注册API路由
func (h *MeshHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 服务注册与注销
	api.POST("/services", h.registerService)
	api.DELETE("/services/:serviceId", h.deregisterService)

	// 服务发现与健康
	api.GET("/services", h.discoverServices)
	api.GET("/services/:name/health", h.getServiceHealth)

	// 网格状态
	api.GET("/mesh/status", h.getMeshStatus)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *ApiResponse {
	return &ApiResponse{Code: code, Message: message, Data: data}
}

// 返回错误响应
func errorResponse(code int, message string) *ApiResponse {
	return &ApiResponse{Code: code, Message: message}
}

// registerService 处理服务注册请求
func (h *MeshHandler) registerService(c echo.Context) error {
	// 解析请求参数
	req := new(RegisterRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	// 校验必填字段
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}
	if req.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务地址不能为空"))
	}
	if req.Port <= 0 || req.Port > 65535 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的服务端口"))
	}

	// 解析健康检查配置
	spec := &model.ServiceRegistration{
		Name:     req.Name,
		Version:  req.Version,
		Endpoint: req.Endpoint,
		Protocol: req.Protocol,
		Port:     req.Port,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	}
	spec.HealthCheck.Path = req.HealthCheck.Path
	spec.HealthCheck.Retries = req.HealthCheck.Retries
	if req.HealthCheck.Interval != "" {
		interval, err := time.ParseDuration(req.HealthCheck.Interval)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "解析健康检查周期失败: "+err.Error()))
		}
		spec.HealthCheck.Interval = interval
	}
	if req.HealthCheck.Timeout != "" {
		timeout, err := time.ParseDuration(req.HealthCheck.Timeout)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "解析健康检查超时失败: "+err.Error()))
		}
		spec.HealthCheck.Timeout = timeout
	}

	// 调用网格注册服务
	id, err := h.mesh.RegisterService(spec)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "注册服务失败: "+err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注册成功", &RegisterResponse{
		ServiceID:    id,
		RegisteredAt: spec.RegisteredAt,
	}))
}

// deregisterService 处理服务注销请求
func (h *MeshHandler) deregisterService(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if serviceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务ID不能为空"))
	}

	if !h.mesh.DeregisterService(serviceID) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+serviceID))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// discoverServices 处理服务发现请求，支持name、version、status、tags过滤
func (h *MeshHandler) discoverServices(c echo.Context) error {
	criteria := model.Criteria{
		Name:    c.QueryParam("name"),
		Version: c.QueryParam("version"),
		Status:  model.HealthStatus(c.QueryParam("status")),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		criteria.Tags = strings.Split(tags, ",")
	}

	services := h.mesh.DiscoverServices(criteria)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", services))
}

// getServiceHealth 返回指定服务的健康汇总
func (h *MeshHandler) getServiceHealth(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	health := h.mesh.GetServiceHealth(name)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", health))
}

// getMeshStatus 返回整个网格的运行状态
func (h *MeshHandler) getMeshStatus(c echo.Context) error {
	status := h.mesh.GetMeshStatus()
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", status))
}
