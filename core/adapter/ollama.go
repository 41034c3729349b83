package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/stream"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama 本地推理适配器：行分隔 JSON 流
// 本地推理慢，总预算放宽到 300s
type Ollama struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// NewOllama 创建本地 Ollama 适配器
func NewOllama(client *http.Client, baseURL string, timeout time.Duration, logger *logrus.Logger) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Ollama{baseURL: strings.TrimRight(baseURL, "/"), client: client, timeout: timeout, logger: logger}
}

func (o *Ollama) Name() string { return "ollama" }

// ollamaChunk /api/generate 的 NDJSON 帧
type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	s := stream.New(ctx)
	callCtx, cancel := context.WithTimeout(s.Context(), o.timeout)

	payload, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": true,
	})
	if err != nil {
		cancel()
		s.Cancel()
		return nil, &ProviderError{Provider: o.Name(), Kind: KindTransport, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		cancel()
		s.Cancel()
		return nil, &ProviderError{Provider: o.Name(), Kind: KindTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		cancel()
		s.Cancel()
		return nil, classifyTransport(o.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		s.Cancel()
		return nil, Classify(o.Name(), resp.StatusCode, readErrorBody(resp))
	}

	go func() {
		defer cancel()
		o.relayNDJSON(s, resp)
	}()
	return s, nil
}

// relayNDJSON 逐行解析 {"response": ..., "done": ...} 帧
func (o *Ollama) relayNDJSON(s *stream.TokenStream, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	malformed := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			malformed++
			o.logger.Warnf("[ollama] skipping malformed frame (%d consecutive): %v", malformed, err)
			if malformed > maxMalformedFrames {
				s.Fail(&ProviderError{Provider: o.Name(), Kind: KindMalformedResponse, Detail: "too many malformed frames"})
				return
			}
			continue
		}
		malformed = 0

		if chunk.Done {
			s.CloseSend()
			return
		}
		if chunk.Response == "" {
			continue
		}
		if !s.Send(chunk.Response) {
			s.Fail(stream.ErrCancelled)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if s.Context().Err() != nil {
			s.Fail(stream.ErrCancelled)
			return
		}
		s.Fail(classifyTransport(o.Name(), err))
		return
	}
	s.CloseSend()
}

// HealthCheck GET /api/tags，同时也是 Selector 的本地探测入口
func (o *Ollama) HealthCheck(ctx context.Context, secret string) error {
	return checkModelsEndpoint(ctx, o.client, o.baseURL+"/api/tags", o.Name(), "")
}
