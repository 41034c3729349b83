package core

import (
	"net"
	"net/http"
	"time"
)

// NewUpstreamClient 构造共享的上游 HTTP Client
// 全局超时禁用，总预算由各适配器的 Request Context 控制；
// 连接超时收紧，避免挂死的上游拖住其它并发请求
func NewUpstreamClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          1000,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// 等待首字节的超时时间
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}
