package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ai-gateway/core"
	"ai-gateway/core/adapter"
	"ai-gateway/core/security"
	"ai-gateway/models"
)

func main() {
	cfg, err := core.LoadConfig("")
	if err != nil {
		logrus.Fatal("failed to load config: ", err)
	}

	log := newLogger(cfg)
	gin.SetMode(gin.ReleaseMode)

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal("failed to initialize database: ", err)
	}
	usage := core.NewAsyncUsageLogger(db, log)
	defer usage.Close()

	pool, err := buildCredentialPool(cfg, log)
	if err != nil {
		log.Fatal("failed to load credentials: ", err)
	}

	client := core.NewUpstreamClient(time.Duration(cfg.ConnectTimeoutSeconds) * time.Second)
	adapters := buildAdapters(cfg, client, log)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	selector := core.NewSelector(buildProbes(adapters, pool), core.SelectorOptions{
		TTL:             time.Duration(cfg.Health.TTLSeconds) * time.Second,
		ProbeTimeout:    time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second,
		RefreshInterval: time.Duration(cfg.Health.RefreshSeconds) * time.Second,
		LocalProvider:   cfg.LocalProvider,
		DefaultProvider: cfg.DefaultProvider,
		Priority:        buildPriority(cfg),
		// 探测剔除阈值跟熔断阈值走同一份配置
		UnhealthyThreshold: cfg.Breaker.Threshold,
	}, log)
	go selector.Start(bgCtx)

	breakers := core.NewBreakerRegistry(cfg.Breaker.Threshold, time.Duration(cfg.Breaker.RecoverySeconds)*time.Second, log)
	stability := core.NewStabilityEngine(breakers, log)

	router := core.NewRouter(core.RouterOptions{
		Selector:  selector,
		Pool:      pool,
		Adapters:  adapters,
		ModelMap:  buildModelMap(cfg),
		Cooldowns: buildCooldowns(cfg),
		Stability: stability,
		Usage:     usage,
		Fallback:  cfg.FallbackText,
	}, log)

	limiter := buildLimiter(bgCtx, cfg, log)

	a := &app{router: router, selector: selector, breakers: breakers, pool: pool, log: log}

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	engine.Use(requestIDMiddleware())
	engine.Use(rateLimitMiddleware(limiter, cfg.RateLimit.Limit, cfg.RateLimit.WindowSeconds, log))

	engine.POST("/v1/generate", a.handleGenerate)
	engine.GET("/v1/generate/ws", a.handleGenerateWS)
	engine.GET("/v1/status", a.handleStatus)
	engine.GET("/health", a.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		log.Infof("🚀 AI gateway listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("forced shutdown: ", err)
	}
	log.Info("server exited")
}

// newLogger 构造 JSON 格式日志器，配置了文件就挂轮转器
func newLogger(cfg *core.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB)
		if err != nil {
			log.Warnf("log file unavailable, falling back to stderr: %v", err)
		} else {
			log.SetOutput(rotator)
		}
	}
	return log
}

func initDatabase(cfg *core.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// buildCredentialPool 解密配置里的凭据并装池
func buildCredentialPool(cfg *core.Config, log *logrus.Logger) (*core.CredentialPool, error) {
	var secrets core.SecretProvider = core.NewPlainSecretProvider()
	if cfg.SecretKey != "" {
		aes, err := security.NewAESSecretProvider(cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		secrets = aes
	}

	pool := core.NewCredentialPool(log)
	for name, pc := range cfg.Providers {
		plain := make([]string, 0, len(pc.Credentials))
		for _, cred := range pc.Credentials {
			v, err := secrets.Decrypt(cred)
			if err != nil {
				return nil, fmt.Errorf("decrypt credential for %s: %w", name, err)
			}
			plain = append(plain, v)
		}
		pool.Add(name, plain)
	}
	return pool, nil
}

// buildAdapters 按配置装配各提供商适配器
// 本地提供商（ollama）不需要凭据，也不要求出现在 providers 配置里
func buildAdapters(cfg *core.Config, client *http.Client, log *logrus.Logger) map[string]adapter.Provider {
	adapters := make(map[string]adapter.Provider)

	baseURL := func(name string) string {
		if pc, ok := cfg.Providers[name]; ok {
			return pc.BaseURL
		}
		return ""
	}

	if _, ok := cfg.Providers["groq"]; ok {
		adapters["groq"] = adapter.NewGroq(client, baseURL("groq"), cfg.TimeoutFor("groq"), log)
	}
	if _, ok := cfg.Providers["openrouter"]; ok {
		adapters["openrouter"] = adapter.NewOpenRouter(client, baseURL("openrouter"), "", cfg.TimeoutFor("openrouter"), log)
	}
	if _, ok := cfg.Providers["huggingface"]; ok {
		adapters["huggingface"] = adapter.NewHuggingFace(client, baseURL("huggingface"), cfg.TimeoutFor("huggingface"), log)
	}
	if cfg.LocalProvider == "ollama" {
		adapters["ollama"] = adapter.NewOllama(client, baseURL("ollama"), cfg.TimeoutFor("ollama"), log)
	}
	return adapters
}

// buildProbes 每个适配器一个探测闭包，带池里任一可用凭据
func buildProbes(adapters map[string]adapter.Provider, pool *core.CredentialPool) map[string]core.ProbeFunc {
	probes := make(map[string]core.ProbeFunc, len(adapters))
	for name, prov := range adapters {
		name, prov := name, prov
		probes[name] = func(ctx context.Context) error {
			secret := ""
			if cred, ok := pool.Acquire(name); ok {
				secret = cred.Secret
			}
			return prov.HealthCheck(ctx, secret)
		}
	}
	return probes
}

func buildModelMap(cfg *core.Config) map[string]map[models.Tier]string {
	out := make(map[string]map[models.Tier]string, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		m := make(map[models.Tier]string, len(pc.Models))
		for tier, model := range pc.Models {
			if t, ok := models.ParseTier(tier); ok {
				m[t] = model
			}
		}
		out[name] = m
	}
	// 本地提供商没显式配置时给一套默认模型，保证本地优先开箱即用
	if cfg.LocalProvider == "ollama" {
		if _, ok := out["ollama"]; !ok {
			out["ollama"] = map[models.Tier]string{
				models.TierFast:     "llama3.2:1b",
				models.TierBalanced: "llama3.2",
				models.TierSmart:    "llama3.1:8b",
			}
		}
	}
	return out
}

func buildPriority(cfg *core.Config) map[models.Tier][]string {
	out := make(map[models.Tier][]string, len(cfg.Priority))
	for tier, providers := range cfg.Priority {
		if t, ok := models.ParseTier(tier); ok {
			out[t] = providers
		}
	}
	return out
}

func buildCooldowns(cfg *core.Config) map[string]time.Duration {
	out := make(map[string]time.Duration, len(cfg.Providers))
	for name := range cfg.Providers {
		out[name] = cfg.CooldownFor(name)
	}
	return out
}

// buildLimiter 配了 Redis 用共享窗口，否则进程内窗口 + 后台清扫
func buildLimiter(ctx context.Context, cfg *core.Config, log *logrus.Logger) core.Limiter {
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	if cfg.RateLimit.RedisURL != "" {
		rl, err := core.NewRedisWindow(cfg.RateLimit.RedisURL, cfg.RateLimit.Limit, window, log)
		if err == nil {
			log.Info("using shared redis rate limiter")
			return rl
		}
		log.Warnf("redis limiter unavailable, using in-process window: %v", err)
	}
	sw := core.NewSlidingWindow(cfg.RateLimit.Limit, window, log)
	go sw.Janitor(ctx, time.Minute)
	return sw
}
