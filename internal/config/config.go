package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// API服务配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Zone          string `mapstructure:"zone"`     // 服务域名后缀
	} `mapstructure:"dns"`

	// 网格核心配置
	Mesh struct {
		EnableTracing bool `mapstructure:"enable_tracing"`
		EnableMetrics bool `mapstructure:"enable_metrics"`

		// 代理默认配置
		Proxy struct {
			Strategy          string        `mapstructure:"strategy"`
			MaxRetries        int           `mapstructure:"max_retries"`
			RetryDelay        time.Duration `mapstructure:"retry_delay"`
			BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
		} `mapstructure:"proxy"`

		// 熔断器默认配置
		Breaker struct {
			FailureThreshold         int           `mapstructure:"failure_threshold"`
			ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
			MonitoringPeriod         time.Duration `mapstructure:"monitoring_period"`
			MinimumRequests          int           `mapstructure:"minimum_requests"`
			ErrorPercentageThreshold float64       `mapstructure:"error_percentage_threshold"`
		} `mapstructure:"breaker"`

		// 健康检查默认配置
		HealthCheck struct {
			Interval time.Duration `mapstructure:"interval"`
			Timeout  time.Duration `mapstructure:"timeout"`
			Path     string        `mapstructure:"path"`
			Retries  int           `mapstructure:"retries"`
		} `mapstructure:"health_check"`
	} `mapstructure:"mesh"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")              // 配置文件名（无扩展名）
		v.AddConfigPath(".")                   // 当前目录
		v.AddConfigPath("./configs")           // configs目录
		v.AddConfigPath("$HOME/.swarm-mesh")   // 用户目录
		v.AddConfigPath("/etc/swarm-mesh")     // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("SWARM_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// API服务默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", true)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.zone", "mesh.local")

	// 网格核心默认配置
	v.SetDefault("mesh.enable_tracing", true)
	v.SetDefault("mesh.enable_metrics", true)

	v.SetDefault("mesh.proxy.strategy", "round-robin")
	v.SetDefault("mesh.proxy.max_retries", 3)
	v.SetDefault("mesh.proxy.retry_delay", "100ms")
	v.SetDefault("mesh.proxy.backoff_multiplier", 2.0)

	v.SetDefault("mesh.breaker.failure_threshold", 5)
	v.SetDefault("mesh.breaker.reset_timeout", "60s")
	v.SetDefault("mesh.breaker.monitoring_period", "10s")
	v.SetDefault("mesh.breaker.minimum_requests", 20)
	v.SetDefault("mesh.breaker.error_percentage_threshold", 50.0)

	v.SetDefault("mesh.health_check.interval", "10s")
	v.SetDefault("mesh.health_check.timeout", "5s")
	v.SetDefault("mesh.health_check.path", "/health")
	v.SetDefault("mesh.health_check.retries", 3)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.swarm-mesh/config.yaml",
		"/etc/swarm-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
