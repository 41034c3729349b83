package core

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/adapter"
	"ai-gateway/core/stream"
	"ai-gateway/models"
)

// routerService 稳定性引擎里路由整体使用的服务名
const routerService = "ai_router"

// Router 把归一化请求落到 (provider, model, credential) 并返回片段流
//
// 选路顺序由 Selector 给出，Router 负责在单个提供商内轮换凭据，
// 以及在提供商之间逐级回退。所有路径耗尽后由稳定性引擎兜底固定文本
type Router struct {
	selector  *Selector
	pool      *CredentialPool
	adapters  map[string]adapter.Provider
	modelMap  map[string]map[models.Tier]string
	cooldowns map[string]time.Duration
	stability *StabilityEngine
	usage     *AsyncUsageLogger
	logger    *logrus.Logger

	fallbackText string
}

// RouterOptions Router 的装配参数
type RouterOptions struct {
	Selector  *Selector
	Pool      *CredentialPool
	Adapters  map[string]adapter.Provider
	ModelMap  map[string]map[models.Tier]string
	Cooldowns map[string]time.Duration
	Stability *StabilityEngine
	Usage     *AsyncUsageLogger
	Fallback  string
}

// NewRouter 创建路由器
func NewRouter(opts RouterOptions, logger *logrus.Logger) *Router {
	fallback := opts.Fallback
	if fallback == "" {
		fallback = "The assistant is temporarily unavailable. Please try again in a moment."
	}
	return &Router{
		selector:     opts.Selector,
		pool:         opts.Pool,
		adapters:     opts.Adapters,
		modelMap:     opts.ModelMap,
		cooldowns:    opts.Cooldowns,
		stability:    opts.Stability,
		usage:        opts.Usage,
		logger:       logger,
		fallbackText: fallback,
	}
}

// routeResult 一次成功路由的产物
type routeResult struct {
	stream *stream.TokenStream
	info   models.RoutingInfo
}

// RouteAndStream 校验请求并返回片段流与路由信息
// 返回错误只可能是调用方问题（空 prompt / 非法档位）；
// 上游全灭时返回兜底文本流，不把上游错误暴露给调用方
func (r *Router) RouteAndStream(ctx context.Context, req *models.GenerateRequest, requestID string) (*stream.TokenStream, models.RoutingInfo, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.RoutingInfo{}, ErrEmptyPrompt
	}
	tier := req.Tier
	if tier == "" {
		tier = models.TierFast
	}
	if !tier.Valid() {
		return nil, models.RoutingInfo{}, ErrInvalidTier
	}

	res, err := Execute(ctx, r.stability, routerService,
		func(ctx context.Context) (routeResult, error) {
			return r.routeOnce(ctx, req.Prompt, tier, requestID)
		},
		func(ctx context.Context) routeResult {
			observeRequest("fallback", "served")
			return routeResult{
				stream: stream.Text(ctx, r.fallbackText),
				info:   models.RoutingInfo{Provider: "fallback", Model: "static", Tier: tier},
			}
		},
	)
	if err != nil {
		// 只剩取消这一种情况，调用方已经离场
		return nil, models.RoutingInfo{}, err
	}
	return res.stream, res.info, nil
}

// routeOnce 按 Selector 的顺序逐提供商尝试一轮
func (r *Router) routeOnce(ctx context.Context, prompt string, tier models.Tier, requestID string) (routeResult, error) {
	var lastErr error = ErrServiceUnavailable

	for _, name := range r.selector.Order(tier) {
		prov, ok := r.adapters[name]
		if !ok {
			continue
		}
		model, ok := r.modelMap[name][tier]
		if !ok {
			continue
		}

		s, err := r.streamFromProvider(ctx, prov, prompt, model, tier, requestID)
		if err == nil {
			info := models.RoutingInfo{Provider: name, Model: model, Tier: tier}
			r.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"provider":   name,
				"model":      model,
				"tier":       tier,
			}).Info("routed")
			return routeResult{stream: s, info: info}, nil
		}
		if ctx.Err() != nil {
			return routeResult{}, context.Canceled
		}
		lastErr = err
		observeRetry(name, "provider_failover")
	}
	return routeResult{}, lastErr
}

// streamFromProvider 单个提供商内的凭据轮换
// 轮换上限是该提供商的凭据总数，防止 Cooldown 之间互相顶着转圈
func (r *Router) streamFromProvider(ctx context.Context, prov adapter.Provider, prompt, model string, tier models.Tier, requestID string) (*stream.TokenStream, error) {
	name := prov.Name()
	attempts := r.pool.Size(name)
	if attempts == 0 {
		// 没挂凭据的提供商（本地推理）裸调一次
		inner, err := prov.Stream(ctx, prompt, model, "")
		if err != nil {
			return nil, err
		}
		return r.wrap(inner, name, model, tier, requestID, nil), nil
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cred, ok := r.pool.Acquire(name)
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrCredentialExhausted
		}
		r.pool.MarkUsed(cred)

		inner, err := prov.Stream(ctx, prompt, model, cred.Secret)
		if err == nil {
			return r.wrap(inner, name, model, tier, requestID, cred), nil
		}

		lastErr = err
		kind, _ := adapter.KindOf(err)
		switch kind {
		case adapter.KindRateLimited:
			r.pool.Cooldown(cred, r.cooldownFor(name))
			observeRetry(name, "credential_cooldown")
			continue
		case adapter.KindAuthInvalid:
			r.pool.MarkDead(cred)
			observeRetry(name, "credential_dead")
			continue
		default:
			// 瞬时故障（超时/网络/上游不可用）同样轮换下一把凭据，
			// 轮完整个池才换提供商
			r.logger.Warnf("%s credential %s failed (%v), rotating", name, MaskSecret(cred.Secret), err)
			observeRetry(name, "credential_rotate")
			continue
		}
	}
	return nil, lastErr
}

func (r *Router) cooldownFor(provider string) time.Duration {
	if d, ok := r.cooldowns[provider]; ok && d > 0 {
		return d
	}
	return 60 * time.Second
}

// wrap 在上游流外再包一层：转发片段、统计用量、传导取消
func (r *Router) wrap(inner *stream.TokenStream, provider, model string, tier models.Tier, requestID string, cred *Credential) *stream.TokenStream {
	outer := stream.New(context.Background())
	doneInflight := TrackInflight()

	go func() {
		defer doneInflight()
		start := time.Now()
		fragments := 0

		// 消费方取消外层时同步取消上游调用
		go func() {
			<-outer.Context().Done()
			inner.Cancel()
		}()

		for frag := range inner.Fragments() {
			if !outer.Send(frag) {
				break
			}
			fragments++
		}

		err := inner.Err()
		outcome := "success"
		errKind := ""
		switch {
		case outer.Cancelled() || inner.Cancelled():
			outcome = "cancelled"
			outer.Fail(stream.ErrCancelled)
		case err != nil:
			outcome = "stream_error"
			if kind, ok := adapter.KindOf(err); ok {
				errKind = kind.String()
			}
			// 中途断流把已收到的片段留给调用方，终止原因只进日志
			r.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"provider":   provider,
				"fragments":  fragments,
			}).Warnf("stream ended abnormally: %v", err)
			outer.Fail(err)
			// 流中途的限流同样压冷却
			if kind, ok := adapter.KindOf(err); ok && kind == adapter.KindRateLimited && cred != nil {
				r.pool.Cooldown(cred, r.cooldownFor(provider))
			}
		default:
			outer.CloseSend()
		}

		observeRequest(provider, outcome)
		if r.usage != nil {
			r.usage.Record(&models.UsageEvent{
				RequestID: requestID,
				Provider:  provider,
				Model:     model,
				Tier:      string(tier),
				Fragments: fragments,
				Duration:  time.Since(start).Milliseconds(),
				Success:   outcome == "success",
				ErrorKind: errKind,
			})
		}
	}()

	return outer
}
