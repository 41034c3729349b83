package core

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ai-gateway/models"
)

// ProviderHealth 单个提供商的探测结果
type ProviderHealth struct {
	Provider    string
	Healthy     bool
	Latency     time.Duration
	LastChecked time.Time
}

// ProbeFunc 轻量可达性探测，由适配器的 HealthCheck 封装而来
type ProbeFunc func(ctx context.Context) error

// Selector 健康感知的提供商选择器
//
// 探测结果进 TTL 缓存；缓存过期只触发后台刷新，选择路径永不同步探测。
// 本地提供商只要健康就永远排第一，全局限速器防止探测风暴
type Selector struct {
	cache        *gocache.Cache
	probes       map[string]ProbeFunc
	probeLimiter *rate.Limiter
	probeTimeout time.Duration
	refresh      time.Duration
	logger       *logrus.Logger

	localProvider   string
	defaultProvider string
	priority        map[models.Tier][]string

	// 连续失败到这个数就从候选序列里剔除（默认提供商保底除外），
	// 与熔断阈值共用同一配置
	unhealthyThreshold int

	mu          sync.Mutex
	consecutive map[string]int
	refreshing  map[string]bool

	now func() time.Time
}

// SelectorOptions Selector 的构造参数
type SelectorOptions struct {
	TTL             time.Duration
	ProbeTimeout    time.Duration
	RefreshInterval time.Duration
	LocalProvider   string
	DefaultProvider string
	Priority        map[models.Tier][]string
	// UnhealthyThreshold 连续探测失败的剔除阈值，通常取熔断阈值
	UnhealthyThreshold int
}

// NewSelector 创建选择器，probes 的键是提供商名
func NewSelector(probes map[string]ProbeFunc, opts SelectorOptions, logger *logrus.Logger) *Selector {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 60 * time.Second
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 5
	}
	return &Selector{
		cache:              gocache.New(opts.TTL, 2*opts.TTL),
		probes:             probes,
		probeLimiter:       rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		probeTimeout:       opts.ProbeTimeout,
		refresh:            opts.RefreshInterval,
		logger:             logger,
		localProvider:      opts.LocalProvider,
		defaultProvider:    opts.DefaultProvider,
		priority:           opts.Priority,
		unhealthyThreshold: opts.UnhealthyThreshold,
		consecutive:        make(map[string]int),
		refreshing:         make(map[string]bool),
		now:                time.Now,
	}
}

// Start 周期性刷新全部提供商，启动时先刷一轮
func (s *Selector) Start(ctx context.Context) {
	s.refreshAll(ctx)

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(ctx)
		}
	}
}

func (s *Selector) refreshAll(ctx context.Context) {
	for name := range s.probes {
		s.refreshOne(ctx, name)
	}
}

// refreshOne 受限速器约束地探测一个提供商并回填缓存
func (s *Selector) refreshOne(ctx context.Context, provider string) {
	probe, ok := s.probes[provider]
	if !ok {
		return
	}
	if err := s.probeLimiter.Wait(ctx); err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := s.now()
	err := probe(probeCtx)
	latency := s.now().Sub(start)

	s.mu.Lock()
	if err != nil {
		s.consecutive[provider]++
	} else {
		s.consecutive[provider] = 0
	}
	errs := s.consecutive[provider]
	s.mu.Unlock()

	h := ProviderHealth{
		Provider:    provider,
		Healthy:     err == nil,
		Latency:     latency,
		LastChecked: s.now(),
	}
	s.cache.SetDefault(provider, h)

	if err != nil {
		s.logger.Warnf("health probe %s failed (%d consecutive): %v", provider, errs, err)
	} else {
		s.logger.Debugf("health probe %s ok in %s", provider, latency)
	}
}

// backgroundRefresh 缓存未命中时的异步补测，同一提供商不重复排队
func (s *Selector) backgroundRefresh(provider string) {
	s.mu.Lock()
	if s.refreshing[provider] {
		s.mu.Unlock()
		return
	}
	s.refreshing[provider] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.refreshing[provider] = false
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout+time.Second)
		defer cancel()
		s.refreshOne(ctx, provider)
	}()
}

// healthOf 缓存命中返回结果，未命中触发后台刷新并返回 unknown
func (s *Selector) healthOf(provider string) (ProviderHealth, bool) {
	if v, ok := s.cache.Get(provider); ok {
		return v.(ProviderHealth), true
	}
	s.backgroundRefresh(provider)
	return ProviderHealth{}, false
}

// eligible 健康、或状态未知且没有连续大量失败
func (s *Selector) eligible(provider string) bool {
	s.mu.Lock()
	errs := s.consecutive[provider]
	s.mu.Unlock()
	if errs >= s.unhealthyThreshold {
		return false
	}

	h, known := s.healthOf(provider)
	if !known {
		// 状态未知按可用处理，真不行由 Router 的回退兜着
		return true
	}
	return h.Healthy
}

// Order 某档位下的提供商尝试顺序
// 规则：本地优先 -> 档位优先级列表 -> 默认提供商保底
func (s *Selector) Order(tier models.Tier) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	if s.localProvider != "" && s.eligible(s.localProvider) {
		add(s.localProvider)
	}
	for _, name := range s.priority[tier] {
		if s.eligible(name) {
			add(name)
		}
	}
	// 全灭也要有最后一搏的对象
	add(s.defaultProvider)
	return out
}

// BestProvider 当前最优提供商
func (s *Selector) BestProvider(tier models.Tier) string {
	order := s.Order(tier)
	if len(order) == 0 {
		return s.defaultProvider
	}
	return order[0]
}

// Snapshot 全部提供商的健康快照，供 /v1/status 使用
func (s *Selector) Snapshot() []models.ProviderStatus {
	out := make([]models.ProviderStatus, 0, len(s.probes))
	for name := range s.probes {
		s.mu.Lock()
		errs := s.consecutive[name]
		s.mu.Unlock()

		st := models.ProviderStatus{Provider: name, ConsecutiveErrors: errs}
		if v, ok := s.cache.Get(name); ok {
			h := v.(ProviderHealth)
			st.Healthy = h.Healthy
			st.LatencyMS = float64(h.Latency.Microseconds()) / 1000.0
			st.LastChecked = h.LastChecked.UTC().Format(time.RFC3339)
		}
		out = append(out, st)
	}
	return out
}
