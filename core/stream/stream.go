// Package stream 提供可取消的单消费者片段流
// 适配器把上游的增量输出推进来，中继层按到达顺序消费
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled 消费方主动中止（客户端断开等），不是上游故障
var ErrCancelled = errors.New("stream cancelled by consumer")

// TokenStream 一次性的推送式片段序列
//
// 约定：Send / CloseSend / Fail 只能由单一生产者 goroutine 调用，
// Cancel 由消费方调用且只取消 Context，通道始终由生产者关闭，
// 避免向已关闭通道写入。消费完或被取消后不可重放。
type TokenStream struct {
	ch     chan string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	closed    bool
	cancelled bool
}

// New 创建流，派生出可取消的 Context 供上游调用使用
// 取消该流即取消 Context，从而中断挂在它上面的网络请求
func New(parent context.Context) *TokenStream {
	ctx, cancel := context.WithCancel(parent)
	return &TokenStream{
		ch:     make(chan string, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Text 返回只包含固定文本的完成流（兜底响应用）
func Text(parent context.Context, text string) *TokenStream {
	s := New(parent)
	s.ch <- text
	s.finish(nil)
	return s
}

// Context 返回与流生命周期绑定的 Context
func (s *TokenStream) Context() context.Context {
	return s.ctx
}

// Fragments 消费端通道，流结束时关闭
func (s *TokenStream) Fragments() <-chan string {
	return s.ch
}

// Send 推送一个片段。流已取消时返回 false，生产者应立即收尾
func (s *TokenStream) Send(fragment string) bool {
	select {
	case s.ch <- fragment:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// CloseSend 正常结束：关闭通道，消费者据此发出完成标记
func (s *TokenStream) CloseSend() {
	s.finish(nil)
}

// Fail 异常结束：记录终止错误后关闭通道
func (s *TokenStream) Fail(err error) {
	s.finish(err)
}

// Cancel 消费方中止：只取消 Context，由生产者观察到取消后收尾
func (s *TokenStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

// Err 通道关闭后读取终止原因；nil 表示正常完成
func (s *TokenStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled 报告流是否被消费方中止
func (s *TokenStream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled || errors.Is(s.err, ErrCancelled)
}

func (s *TokenStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelled {
		err = ErrCancelled
	}
	s.err = err
	s.mu.Unlock()

	close(s.ch)
	s.cancel()
}
