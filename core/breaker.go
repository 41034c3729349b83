package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// StateClosed 正常放行
	StateClosed CircuitState = iota
	// StateOpen 全部拦截
	StateOpen
	// StateHalfOpen 放行试探请求
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 单个服务的熔断状态机
//
// 状态迁移：closed 累计失败达到阈值 -> open；
// open 距最后失败超过恢复窗口 -> half-open；
// half-open 首次成功 -> closed（失败计数清零）；
// half-open 任意失败 -> open 并重置恢复计时
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time

	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
	onStateChange   func(name string, from, to CircuitState)
}

// NewCircuitBreaker 创建熔断器，threshold/recovery 不合法时取默认值 5 / 60s
func NewCircuitBreaker(name string, threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		state:           StateClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Allow 判定是否放行；open 状态下恢复窗口到期则转 half-open 并放行
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess 成功即清零失败计数；half-open 下首个成功关闭熔断
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure 记一次失败并按需要打开熔断
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.threshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// 试探失败，重新打开并重置恢复计时
		cb.transitionTo(StateOpen)
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount 当前失败计数（测试与状态快照用）
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	setCircuitStateMetric(cb.name, newState)
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, old, newState)
	}
}

// BreakerRegistry 按服务名惰性创建熔断器
// 条目只增不删，键空间由服务名基数天然有界
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	threshold       int
	recoveryTimeout time.Duration
	logger          *logrus.Logger
	now             func() time.Time
}

// NewBreakerRegistry 创建注册表，参数作为新熔断器的默认配置
func NewBreakerRegistry(threshold int, recoveryTimeout time.Duration, logger *logrus.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:        make(map[string]*CircuitBreaker),
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// Get 返回服务对应的熔断器，首次引用时创建
func (r *BreakerRegistry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(service, r.threshold, r.recoveryTimeout)
		cb.now = r.now
		cb.onStateChange = func(name string, from, to CircuitState) {
			r.logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		}
		r.breakers[service] = cb
	}
	return cb
}

// States 服务名到状态字符串的快照
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}
