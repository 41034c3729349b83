package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func collect(s *TokenStream) []string {
	var out []string
	for frag := range s.Fragments() {
		out = append(out, frag)
	}
	return out
}

func TestOrderPreserved(t *testing.T) {
	s := New(context.Background())

	go func() {
		for _, f := range []string{"a", "b", "c"} {
			s.Send(f)
		}
		s.CloseSend()
	}()

	assert.Equal(t, []string{"a", "b", "c"}, collect(s))
	assert.NoError(t, s.Err())
	assert.False(t, s.Cancelled())
}

func TestFailSurfacesError(t *testing.T) {
	s := New(context.Background())
	wantErr := assert.AnError

	go func() {
		s.Send("partial")
		s.Fail(wantErr)
	}()

	assert.Equal(t, []string{"partial"}, collect(s))
	assert.ErrorIs(t, s.Err(), wantErr)
}

func TestCancelUnblocksProducer(t *testing.T) {
	s := New(context.Background())

	// 生产端把缓冲塞满后会阻塞在 Send 上
	producerDone := make(chan bool, 1)
	go func() {
		for i := 0; ; i++ {
			if !s.Send("x") {
				s.Fail(ErrCancelled)
				producerDone <- true
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case <-producerDone:
	case <-time.After(time.Second):
		t.Fatal("producer not unblocked after cancel")
	}

	// 取消后通道最终被生产者关闭，终止原因归一为 ErrCancelled
	collect(s)
	assert.ErrorIs(t, s.Err(), ErrCancelled)
	assert.True(t, s.Cancelled())
}

func TestParentContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)
	cancel()

	assert.False(t, s.Send("late"))
}

func TestTextStream(t *testing.T) {
	s := Text(context.Background(), "fallback message")
	assert.Equal(t, []string{"fallback message"}, collect(s))
	assert.NoError(t, s.Err())
}

func TestDoubleFinishIsSafe(t *testing.T) {
	s := New(context.Background())
	s.CloseSend()
	// 二次收尾不 panic，错误保持第一次的结果
	s.Fail(assert.AnError)
	assert.NoError(t, s.Err())
}
