// Package adapter 定义不同 LLM 提供商的适配接口及其实现
// 每个适配器负责：构造厂商请求、解析厂商流式帧、把失败归一化为统一错误类别
package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"ai-gateway/core/stream"
)

// ErrorKind 归一化的上游错误类别（封闭枚举）
type ErrorKind int

const (
	KindAuthInvalid ErrorKind = iota
	KindRateLimited
	KindUpstreamUnavailable
	KindTimeout
	KindTransport
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthInvalid:
		return "auth_invalid"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// ProviderError 带类别的上游错误
// Detail 是截断过的上游信息，只进 debug 日志，永远不回给调用方
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Detail   string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Provider, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

// KindOf 提取错误类别
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// Classify 把 HTTP 状态码确定性地映射为错误类别
// 401/403 -> auth_invalid, 429 -> rate_limited, 503 -> upstream_unavailable,
// 其余非 2xx -> transport_error
func Classify(provider string, status int, detail string) *ProviderError {
	kind := KindTransport
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthInvalid
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusServiceUnavailable:
		kind = KindUpstreamUnavailable
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Detail: truncate(detail, 200)}
}

// classifyTransport 网络层错误：超时归 timeout，其余归 transport_error
func classifyTransport(provider string, err error) *ProviderError {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Detail: truncate(err.Error(), 200)}
}

// Provider 所有上游适配器实现的接口，Router 只依赖它
type Provider interface {
	// Name 返回提供商标识，如 "groq"
	Name() string

	// Stream 发起一次生成调用，返回按到达顺序推送片段的流
	// 连接阶段的失败以归一化错误返回；流中途的失败通过 TokenStream.Err 暴露
	Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error)

	// HealthCheck 轻量可达性探测，必须带短超时调用
	HealthCheck(ctx context.Context, secret string) error
}

// 单条坏帧跳过即可，连续超过该值视为上游协议损坏
const maxMalformedFrames = 8

// chatChunk OpenAI 风格的流式增量帧（groq / openrouter 共用）
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// extractChatDelta 从 data 载荷中取出内容增量
func extractChatDelta(payload []byte) (string, error) {
	var chunk chatChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// relaySSE 消费 data: 前缀的 SSE 帧并把真实内容推入流
// [DONE] 哨兵只用于结束，不作为内容下发；坏帧跳过并记日志，
// 连续坏帧超出容忍度才让整条流失败
func relaySSE(s *stream.TokenStream, body io.ReadCloser, providerName string, logger *logrus.Logger) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	malformed := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			s.CloseSend()
			return
		}

		content, err := extractChatDelta([]byte(payload))
		if err != nil {
			malformed++
			logger.Warnf("[%s] skipping malformed stream frame (%d consecutive): %v", providerName, malformed, err)
			if malformed > maxMalformedFrames {
				s.Fail(&ProviderError{Provider: providerName, Kind: KindMalformedResponse, Detail: "too many malformed frames"})
				return
			}
			continue
		}
		malformed = 0
		if content == "" {
			continue
		}
		if !s.Send(content) {
			// 消费方取消，停止读取以释放上游连接
			s.Fail(stream.ErrCancelled)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if s.Context().Err() != nil {
			s.Fail(stream.ErrCancelled)
			return
		}
		s.Fail(classifyTransport(providerName, err))
		return
	}
	// 上游没发 [DONE] 就关了连接，仍按正常完成处理
	s.CloseSend()
}

// readErrorBody 读取失败响应的前几百字节用于 debug 日志
func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
