package core

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ai-gateway/core/adapter"
	"ai-gateway/core/stream"
)

// FailureClass 失败类别，决定恢复策略
type FailureClass string

const (
	FailureNetwork   FailureClass = "network"
	FailureTimeout   FailureClass = "timeout"
	FailureAuth      FailureClass = "auth"
	FailureRateLimit FailureClass = "rate_limit"
	FailureMemory    FailureClass = "memory"
	FailureInternal  FailureClass = "internal"
)

// ErrorRecord 故障台账条目，消息已脱敏
type ErrorRecord struct {
	ID      string       `json:"id"`
	Service string       `json:"service"`
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
	At      time.Time    `json:"at"`
}

const errorHistoryCap = 1000

// StabilityEngine 熔断 + 按类别恢复 + 故障台账
// 每个服务一台熔断器，恢复动作最多触发一次重试
type StabilityEngine struct {
	breakers *BreakerRegistry
	logger   *logrus.Logger

	mu      sync.Mutex
	history []ErrorRecord

	// sleep 可注入，测试里换成空操作
	sleep func(time.Duration)
}

// NewStabilityEngine 创建稳定性引擎
func NewStabilityEngine(breakers *BreakerRegistry, logger *logrus.Logger) *StabilityEngine {
	return &StabilityEngine{
		breakers: breakers,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// ClassifyFailure 把错误折算到失败类别
func ClassifyFailure(err error) FailureClass {
	if kind, ok := adapter.KindOf(err); ok {
		switch kind {
		case adapter.KindAuthInvalid:
			return FailureAuth
		case adapter.KindRateLimited:
			return FailureRateLimit
		case adapter.KindTimeout:
			return FailureTimeout
		case adapter.KindTransport, adapter.KindUpstreamUnavailable:
			return FailureNetwork
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, stream.ErrCancelled) || errors.Is(err, context.Canceled) {
		// 取消不算故障，调用方不会把它送进 Execute 的失败分支
		return FailureInternal
	}
	return FailureInternal
}

// Execute 熔断保护下执行 op，失败走分类恢复，仍失败则用 fallback 兜底
// fallback 永远不返回错误 —— 它是最后一道闸
func Execute[T any](ctx context.Context, e *StabilityEngine, service string, op func(ctx context.Context) (T, error), fallback func(ctx context.Context) T) (T, error) {
	cb := e.breakers.Get(service)

	if !cb.Allow() {
		e.logger.Warnf("⛔ %s: circuit open, serving fallback", service)
		return fallback(ctx), nil
	}

	result, err := op(ctx)
	if err == nil {
		cb.RecordSuccess()
		return result, nil
	}

	// 调用方取消不追责，也不尝试恢复
	if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrCancelled) {
		return result, err
	}

	class := ClassifyFailure(err)
	e.record(service, class, err)
	cb.RecordFailure()

	if e.recover(ctx, service, class) {
		result, err = op(ctx)
		if err == nil {
			cb.RecordSuccess()
			e.logger.Infof("✅ %s: recovered after %s failure", service, class)
			return result, nil
		}
		e.record(service, ClassifyFailure(err), err)
		cb.RecordFailure()
	}

	e.logger.Errorf("🚨 %s: %s failure, serving fallback", service, class)
	return fallback(ctx), nil
}

// recover 按类别执行恢复动作，返回是否值得重试一次
func (e *StabilityEngine) recover(ctx context.Context, service string, class FailureClass) bool {
	switch class {
	case FailureNetwork:
		e.logger.Warnf("%s: network failure, backing off before retry", service)
		e.sleep(2 * time.Second)
		return ctx.Err() == nil
	case FailureTimeout:
		e.sleep(500 * time.Millisecond)
		return ctx.Err() == nil
	case FailureMemory:
		e.logger.Warnf("%s: memory pressure, forcing GC", service)
		runtime.GC()
		return ctx.Err() == nil
	case FailureAuth:
		// 凭据问题重试没有意义
		return false
	case FailureRateLimit:
		// 限流由 Router 换凭据/换提供商处理，这里不重复退避
		return false
	default:
		return false
	}
}

func (e *StabilityEngine) record(service string, class FailureClass, err error) {
	rec := ErrorRecord{
		ID:      uuid.NewString(),
		Service: service,
		Class:   class,
		Message: sanitizeError(err),
		At:      time.Now(),
	}

	e.mu.Lock()
	e.history = append(e.history, rec)
	if len(e.history) > errorHistoryCap {
		e.history = e.history[len(e.history)-errorHistoryCap:]
	}
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"error_id": rec.ID,
		"service":  service,
		"class":    class,
	}).Warn(rec.Message)
}

// RecentErrors 最近 n 条故障记录，新的在前
func (e *StabilityEngine) RecentErrors(n int) []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	out := make([]ErrorRecord, 0, n)
	for i := len(e.history) - 1; i >= len(e.history)-n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// sanitizeError 台账消息只保留类别化信息，避免上游响应片段外泄
func sanitizeError(err error) string {
	var pe *adapter.ProviderError
	if errors.As(err, &pe) {
		return pe.Provider + ": " + pe.Kind.String()
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
