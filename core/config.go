package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig 单个上游提供商的静态配置
type ProviderConfig struct {
	// Credentials API 密钥列表；配置了 secret_key 时为密文
	Credentials []string `mapstructure:"credentials"`
	// Models 档位到具体模型名的映射（fast/balanced/smart）
	Models map[string]string `mapstructure:"models"`
	// BaseURL 留空用适配器默认值
	BaseURL string `mapstructure:"base_url"`
	// CooldownSeconds 上游限流后凭据的冷却秒数
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// TimeoutSeconds 单次请求总预算
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig 入口限流配置
type RateLimitConfig struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
	// RedisURL 非空时换用共享 Redis 滑动窗口
	RedisURL string `mapstructure:"redis_url"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	Threshold       int `mapstructure:"threshold"`
	RecoverySeconds int `mapstructure:"recovery_seconds"`
}

// HealthConfig 健康探测配置
type HealthConfig struct {
	TTLSeconds          int `mapstructure:"ttl_seconds"`
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds"`
	RefreshSeconds      int `mapstructure:"refresh_seconds"`
}

// Config 网关全量配置，config.yaml + AIGW_ 前缀环境变量
type Config struct {
	Port         string `mapstructure:"port"`
	LogLevel     string `mapstructure:"log_level"`
	LogFile      string `mapstructure:"log_file"`
	LogMaxSizeMB int    `mapstructure:"log_max_size_mb"`
	DatabasePath string `mapstructure:"database_path"`

	// SecretKey 凭据解密密钥（16/24/32 字节）。留空表示凭据是明文
	SecretKey string `mapstructure:"secret_key"`

	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Health    HealthConfig    `mapstructure:"health"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`

	// Priority 档位到提供商顺序；LocalProvider 永远优先于这份列表
	Priority        map[string][]string `mapstructure:"priority"`
	LocalProvider   string              `mapstructure:"local_provider"`
	DefaultProvider string              `mapstructure:"default_provider"`

	// FallbackText 一切路径耗尽后兜底返回的固定文本
	FallbackText string `mapstructure:"fallback_text"`
}

// LoadConfig 读取配置：文件可缺省，环境变量覆盖文件
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("AIGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件也能跑，纯默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("database_path", "gateway.db")
	v.SetDefault("connect_timeout_seconds", 5)

	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.recovery_seconds", 60)

	v.SetDefault("health.ttl_seconds", 300)
	v.SetDefault("health.probe_timeout_seconds", 3)
	v.SetDefault("health.refresh_seconds", 60)

	v.SetDefault("local_provider", "ollama")
	v.SetDefault("default_provider", "groq")
	v.SetDefault("fallback_text", "The assistant is temporarily unavailable. Please try again in a moment.")
}

func (c *Config) validate() error {
	if c.RateLimit.Limit <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window_seconds must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	for name, pc := range c.Providers {
		if len(pc.Models) == 0 {
			return fmt.Errorf("provider %s: models map must not be empty", name)
		}
	}
	return nil
}

// CooldownFor 提供商的凭据冷却时长，缺省 60s
func (c *Config) CooldownFor(provider string) time.Duration {
	if pc, ok := c.Providers[provider]; ok && pc.CooldownSeconds > 0 {
		return time.Duration(pc.CooldownSeconds) * time.Second
	}
	return 60 * time.Second
}

// TimeoutFor 提供商的请求总预算，0 表示交给适配器默认值
func (c *Config) TimeoutFor(provider string) time.Duration {
	if pc, ok := c.Providers[provider]; ok && pc.TimeoutSeconds > 0 {
		return time.Duration(pc.TimeoutSeconds) * time.Second
	}
	return 0
}
