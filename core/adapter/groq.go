package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/stream"
)

const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// Groq 远程 SSE 聊天补全适配器
type Groq struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// NewGroq 创建 Groq 适配器。timeout 是整条流的总预算
func NewGroq(client *http.Client, baseURL string, timeout time.Duration, logger *logrus.Logger) *Groq {
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Groq{baseURL: baseURL, client: client, timeout: timeout, logger: logger}
}

func (g *Groq) Name() string { return "groq" }

// chatPayload OpenAI 风格的请求体（groq / openrouter 共用）
type chatPayload struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *Groq) Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	s := stream.New(ctx)
	callCtx, cancel := context.WithTimeout(s.Context(), g.timeout)

	resp, err := postChatCompletion(callCtx, g.client, g.baseURL, g.Name(), prompt, model, secret, nil)
	if err != nil {
		cancel()
		s.Cancel()
		return nil, err
	}

	go func() {
		defer cancel()
		relaySSE(s, resp.Body, g.Name(), g.logger)
	}()
	return s, nil
}

// HealthCheck 走模型列表接口做轻量探测
func (g *Groq) HealthCheck(ctx context.Context, secret string) error {
	return checkModelsEndpoint(ctx, g.client, g.baseURL+"/models", g.Name(), secret)
}

// postChatCompletion 构造并发出 chat/completions 流式请求，非 200 归一化后返回
func postChatCompletion(ctx context.Context, client *http.Client, baseURL, providerName, prompt, model, secret string, extraHeaders map[string]string) (*http.Response, error) {
	payload := chatPayload{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindTransport, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", "AI-Gateway/1.0")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Classify(providerName, resp.StatusCode, readErrorBody(resp))
	}
	return resp, nil
}

// checkModelsEndpoint GET 探测，2xx 视为健康
func checkModelsEndpoint(ctx context.Context, client *http.Client, url, providerName, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s health probe: http %d", providerName, resp.StatusCode)
	}
	return nil
}
