package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/swarm-mesh/internal/apiserver"
	"github.com/hewenyu/swarm-mesh/internal/config"
	"github.com/hewenyu/swarm-mesh/internal/dnsserver"
	"github.com/hewenyu/swarm-mesh/pkg/balancer"
	"github.com/hewenyu/swarm-mesh/pkg/breaker"
	"github.com/hewenyu/swarm-mesh/pkg/mesh"
	"github.com/hewenyu/swarm-mesh/pkg/model"
	"github.com/hewenyu/swarm-mesh/pkg/proxy"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 命令行未指定时按约定位置查找配置文件
	if configFile == "" {
		configFile = config.GetDefaultConfigPath()
	}

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Swarm Mesh Starting...",
		zap.String("version", "0.1.0"),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
		zap.Int("dns_port", cfg.DNS.Port))

	strategy, err := balancer.ParseStrategy(cfg.Mesh.Proxy.Strategy)
	if err != nil {
		logger.Error("配置的负载均衡策略无效", zap.Error(err))
		os.Exit(1)
	}

	// 创建网格实例，默认使用JSON over HTTP传输
	m := mesh.New(mesh.Config{
		EnableTracing: cfg.Mesh.EnableTracing,
		EnableMetrics: cfg.Mesh.EnableMetrics,
		ProxyDefaults: proxy.Options{
			Strategy:          strategy,
			MaxRetries:        cfg.Mesh.Proxy.MaxRetries,
			RetryDelay:        cfg.Mesh.Proxy.RetryDelay,
			BackoffMultiplier: cfg.Mesh.Proxy.BackoffMultiplier,
			Breaker: breaker.Config{
				FailureThreshold:         cfg.Mesh.Breaker.FailureThreshold,
				ResetTimeout:             cfg.Mesh.Breaker.ResetTimeout,
				MonitoringPeriod:         cfg.Mesh.Breaker.MonitoringPeriod,
				MinimumRequests:          cfg.Mesh.Breaker.MinimumRequests,
				ErrorPercentageThreshold: cfg.Mesh.Breaker.ErrorPercentageThreshold,
			},
		},
		HealthCheckDefaults: model.HealthCheckConfig{
			Interval: cfg.Mesh.HealthCheck.Interval,
			Timeout:  cfg.Mesh.HealthCheck.Timeout,
			Path:     cfg.Mesh.HealthCheck.Path,
			Retries:  cfg.Mesh.HealthCheck.Retries,
		},
	}, proxy.NewHTTPTransport(&http.Client{}), logger)
	defer m.Close()

	// 启动API服务
	api := apiserver.NewServer(m, cfg, logger)
	if err := api.Start(); err != nil {
		logger.Error("启动API服务失败", zap.Error(err))
		os.Exit(1)
	}

	// 启动DNS服务
	var dnsSrv dnsserver.Server
	if cfg.DNS.Enabled {
		dnsSrv = dnsserver.NewDNSServer(m.Registry(), cfg, logger)
		if err := dnsSrv.Start(); err != nil {
			logger.Error("启动DNS服务失败", zap.Error(err))
			os.Exit(1)
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		logger.Error("关闭API服务失败", zap.Error(err))
	}
	if dnsSrv != nil {
		if err := dnsSrv.Shutdown(ctx); err != nil {
			logger.Error("关闭DNS服务失败", zap.Error(err))
		}
	}
}
