package models

import "strings"

// Tier 能力档位，由网关映射到具体的 (provider, model)
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierSmart    Tier = "smart"
)

// Valid 检查档位是否合法
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierSmart:
		return true
	}
	return false
}

// ParseTier 宽松解析（大小写不敏感），空值默认 fast
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TierFast, true
	}
	return t, t.Valid()
}

// GenerateRequest 归一化的生成请求
// 上游鉴权、配额、内容过滤均由调用方完成，网关只看 prompt + tier
type GenerateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Tier   Tier   `json:"tier"`
}

// RoutingInfo 一次路由决策的结果
type RoutingInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tier     Tier   `json:"tier"`
}

// ErrorDetail 标准错误体
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse 统一错误响应格式
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ProviderStatus 对外展示的提供商状态快照（/v1/status）
type ProviderStatus struct {
	Provider          string  `json:"provider"`
	Healthy           bool    `json:"healthy"`
	LatencyMS         float64 `json:"latency_ms,omitempty"`
	LastChecked       string  `json:"last_checked,omitempty"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	CircuitState      string  `json:"circuit_state,omitempty"`
	CredentialsReady  int     `json:"credentials_ready"`
}
