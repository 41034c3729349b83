package core

import "errors"

// 路由层错误分类，适配器层的细粒度类别见 core/adapter
var (
	// ErrInvalidTier 非法能力档位，调用方问题，不重试
	ErrInvalidTier = errors.New("invalid capability tier")

	// ErrEmptyPrompt 空 prompt，调用方问题，不重试
	ErrEmptyPrompt = errors.New("prompt must not be empty")

	// ErrCredentialExhausted 该提供商没有可用凭据，应换下一个提供商
	ErrCredentialExhausted = errors.New("no eligible credential for provider")

	// ErrCircuitOpen 熔断器打开，服务被主动跳过
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrServiceUnavailable 所有路径耗尽后回给调用方的笼统信号
	// 上游原始错误文本永远不出网关
	ErrServiceUnavailable = errors.New("service unavailable, retry shortly")

	// ErrRateLimited 入口限流拒绝
	ErrRateLimited = errors.New("rate limit exceeded")
)

// MaskSecret 脱敏密钥，日志里只允许出现这个形式
func MaskSecret(secret string) string {
	if len(secret) <= 7 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}
