package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/stream"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter 远程 SSE 聊天补全适配器
// 协议与 Groq 同为 OpenAI 风格，但要求附加来源头
type OpenRouter struct {
	baseURL string
	referer string
	title   string
	client  *http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// NewOpenRouter 创建 OpenRouter 适配器
func NewOpenRouter(client *http.Client, baseURL, referer string, timeout time.Duration, logger *logrus.Logger) *OpenRouter {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenRouter{
		baseURL: baseURL,
		referer: referer,
		title:   "AI Gateway",
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	s := stream.New(ctx)
	callCtx, cancel := context.WithTimeout(s.Context(), o.timeout)

	headers := map[string]string{"X-Title": o.title}
	if o.referer != "" {
		headers["HTTP-Referer"] = o.referer
	}

	resp, err := postChatCompletion(callCtx, o.client, o.baseURL, o.Name(), prompt, model, secret, headers)
	if err != nil {
		cancel()
		s.Cancel()
		return nil, err
	}

	go func() {
		defer cancel()
		relaySSE(s, resp.Body, o.Name(), o.logger)
	}()
	return s, nil
}

// HealthCheck 模型列表接口无需鉴权，探测可达性即可
func (o *OpenRouter) HealthCheck(ctx context.Context, secret string) error {
	return checkModelsEndpoint(ctx, o.client, o.baseURL+"/models", o.Name(), secret)
}
