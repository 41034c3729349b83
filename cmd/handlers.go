package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ai-gateway/core"
	"ai-gateway/models"
)

// app 持有处理器依赖
type app struct {
	router   *core.Router
	selector *core.Selector
	breakers *core.BreakerRegistry
	pool     *core.CredentialPool
	log      *logrus.Logger
}

// generatePayload SSE 帧的 data 载荷
type generatePayload struct {
	Content string `json:"content"`
}

// bindGenerateRequest 解析并校验请求体
func bindGenerateRequest(c *gin.Context) (*models.GenerateRequest, bool) {
	var raw struct {
		Prompt string `json:"prompt"`
		Tier   string `json:"tier"`
	}
	if err := c.ShouldBindJSON(&raw); err != nil {
		writeError(c, 400, "invalid JSON body", "invalid_request_error")
		return nil, false
	}
	tier, ok := models.ParseTier(raw.Tier)
	if !ok {
		writeError(c, 400, core.ErrInvalidTier.Error(), "invalid_request_error")
		return nil, false
	}
	return &models.GenerateRequest{Prompt: raw.Prompt, Tier: tier}, true
}

func writeError(c *gin.Context, status int, msg, typ string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{Message: msg, Type: typ, RequestID: c.GetString("request_id")},
	})
}

// handleGenerate POST /v1/generate —— SSE 流式生成
// 片段按到达顺序逐帧下发，干净完成后补一帧 data: [DONE]；
// 中途断流时已发出的片段保持有效，不发完成标记
func (a *app) handleGenerate(c *gin.Context) {
	req, ok := bindGenerateRequest(c)
	if !ok {
		return
	}
	requestID := c.GetString("request_id")

	s, info, err := a.router.RouteAndStream(c.Request.Context(), req, requestID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyPrompt), errors.Is(err, core.ErrInvalidTier):
			writeError(c, 400, err.Error(), "invalid_request_error")
		default:
			// 调用方已断开或不可恢复，响应写不写都无所谓了
			writeError(c, 503, core.ErrServiceUnavailable.Error(), "service_unavailable")
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set("X-Routed-Provider", info.Provider)
	c.Writer.Header().Set("X-Routed-Model", info.Model)
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)

	// 客户端断开立刻向上游传导取消
	clientGone := c.Request.Context().Done()
	go func() {
		<-clientGone
		s.Cancel()
	}()

	for frag := range s.Fragments() {
		payload, err := json.Marshal(generatePayload{Content: frag})
		if err != nil {
			continue
		}
		if _, err := c.Writer.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
			s.Cancel()
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.Err() == nil && !s.Cancelled() {
		c.Writer.Write([]byte("data: [DONE]\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame WebSocket 下发帧
type wsFrame struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleGenerateWS GET /v1/generate/ws —— WebSocket 流式生成
// 连接建立后客户端发一条 {"prompt","tier"}，网关逐帧回片段，
// 结束帧 {"done":true}；连接断开等同取消
func (a *app) handleGenerateWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	requestID := c.GetString("request_id")

	var raw struct {
		Prompt string `json:"prompt"`
		Tier   string `json:"tier"`
	}
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&raw); err != nil {
		conn.WriteJSON(wsFrame{Error: "invalid request frame"})
		return
	}
	tier, ok := models.ParseTier(raw.Tier)
	if !ok {
		conn.WriteJSON(wsFrame{Error: core.ErrInvalidTier.Error()})
		return
	}

	req := &models.GenerateRequest{Prompt: raw.Prompt, Tier: tier}
	s, _, err := a.router.RouteAndStream(c.Request.Context(), req, requestID)
	if err != nil {
		if errors.Is(err, core.ErrEmptyPrompt) || errors.Is(err, core.ErrInvalidTier) {
			conn.WriteJSON(wsFrame{Error: err.Error()})
		} else {
			conn.WriteJSON(wsFrame{Error: core.ErrServiceUnavailable.Error()})
		}
		return
	}

	// 读协程只为感知断开，收到任何错误就取消流
	go func() {
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.Cancel()
				return
			}
		}
	}()

	for frag := range s.Fragments() {
		if err := conn.WriteJSON(wsFrame{Content: frag}); err != nil {
			s.Cancel()
			return
		}
	}

	if s.Err() == nil && !s.Cancelled() {
		conn.WriteJSON(wsFrame{Done: true})
	}
}

// handleHealth GET /health —— 进程存活探测
func (a *app) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// handleStatus GET /v1/status —— 提供商健康 + 熔断 + 凭据余量快照
func (a *app) handleStatus(c *gin.Context) {
	statuses := a.selector.Snapshot()
	circuits := a.breakers.States()
	for i := range statuses {
		statuses[i].CircuitState = circuits[statuses[i].Provider]
		statuses[i].CredentialsReady = a.pool.Available(statuses[i].Provider)
	}
	c.JSON(200, gin.H{
		"providers": statuses,
		"circuits":  circuits,
	})
}
