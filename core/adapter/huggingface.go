package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/stream"
)

const defaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"

// HuggingFace 单次推理适配器：一问一答的 JSON 接口
// 没有增量输出，整段结果作为单个片段下发
type HuggingFace struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// NewHuggingFace 创建 HuggingFace Inference API 适配器
func NewHuggingFace(client *http.Client, baseURL string, timeout time.Duration, logger *logrus.Logger) *HuggingFace {
	if baseURL == "" {
		baseURL = defaultHuggingFaceBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HuggingFace{baseURL: baseURL, client: client, timeout: timeout, logger: logger}
}

func (h *HuggingFace) Name() string { return "huggingface" }

// hfResult Inference API 的响应体：[{"generated_text": "..."}]
type hfResult []struct {
	GeneratedText string `json:"generated_text"`
}

func (h *HuggingFace) Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"inputs": prompt})
	if err != nil {
		return nil, &ProviderError{Provider: h.Name(), Kind: KindTransport, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, h.baseURL+"/models/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: h.Name(), Kind: KindTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("User-Agent", "AI-Gateway/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransport(h.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Classify(h.Name(), resp.StatusCode, readErrorBody(resp))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, classifyTransport(h.Name(), err)
	}

	var result hfResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result) == 0 {
		return nil, &ProviderError{Provider: h.Name(), Kind: KindMalformedResponse, Detail: truncate(string(raw), 200)}
	}

	return stream.Text(ctx, result[0].GeneratedText), nil
}

// HealthCheck 探测服务根路径可达即可，不消耗推理额度
func (h *HuggingFace) HealthCheck(ctx context.Context, secret string) error {
	return checkModelsEndpoint(ctx, h.client, h.baseURL, h.Name(), secret)
}
