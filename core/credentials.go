package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Credential 某个提供商的一条 API 凭据
// 字段只允许通过 CredentialPool 的方法修改，不跨提供商共享，
// 进程启动时从配置重建，从不落盘
type Credential struct {
	Provider string
	Secret   string

	usedCount     int64
	cooldownUntil time.Time
	dead          bool
}

// CredentialPool 按提供商持有凭据集合（线程安全）
// acquire 返回当前可用且使用次数最少的凭据，把负载摊平
type CredentialPool struct {
	mu     sync.Mutex
	creds  map[string][]*Credential
	logger *logrus.Logger
	now    func() time.Time
}

// NewCredentialPool 创建空凭据池
func NewCredentialPool(logger *logrus.Logger) *CredentialPool {
	return &CredentialPool{
		creds:  make(map[string][]*Credential),
		logger: logger,
		now:    time.Now,
	}
}

// Add 注册一个提供商的凭据列表（启动时由配置调用）
func (p *CredentialPool) Add(provider string, secrets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		p.creds[provider] = append(p.creds[provider], &Credential{Provider: provider, Secret: s})
	}
	p.logger.Infof("credential pool: %d keys registered for %s", len(p.creds[provider]), provider)
}

// Acquire 返回冷却期外、未失效且使用次数最少的凭据
// 返回 false 表示该提供商当前不可用 —— 调用方应换下一个提供商，
// 而不是对同一提供商重试
func (p *CredentialPool) Acquire(provider string) (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Credential
	for _, c := range p.creds[provider] {
		if c.dead {
			continue
		}
		if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
			continue
		}
		if best == nil || c.usedCount < best.usedCount {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// MarkUsed 记一次使用。被取消的请求也要记，保证轮换公平
func (p *CredentialPool) MarkUsed(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.usedCount++
}

// Cooldown 上游报限流类错误时把凭据压入冷却窗口
func (p *CredentialPool) Cooldown(c *Credential, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.cooldownUntil = p.now().Add(d)
	p.logger.Warnf("credential %s for %s cooling down %s", MaskSecret(c.Secret), c.Provider, d)
}

// MarkDead 鉴权失败的凭据直接摘除，不再参与轮换
func (p *CredentialPool) MarkDead(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.dead = true
	p.logger.Warnf("credential %s for %s marked dead", MaskSecret(c.Secret), c.Provider)
}

// Size 某提供商的凭据总数（Router 的重试上限）
func (p *CredentialPool) Size(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds[provider])
}

// Available 当前立即可用的凭据数（状态快照用）
func (p *CredentialPool) Available(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, c := range p.creds[provider] {
		if c.dead {
			continue
		}
		if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
			continue
		}
		n++
	}
	return n
}

// Providers 已注册凭据的提供商列表
func (p *CredentialPool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.creds))
	for name := range p.creds {
		out = append(out, name)
	}
	return out
}
