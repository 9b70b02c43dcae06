package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleRecorder 记录OnEventIdle回调的活动ID
type idleRecorder struct {
	mu     sync.Mutex
	events []uint
}

func (r *idleRecorder) record(eventID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventID)
}

func (r *idleRecorder) recorded() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.events...)
}

func TestUnregisterLastClientFiresIdle(t *testing.T) {
	h := NewHub()
	rec := &idleRecorder{}
	h.OnEventIdle = rec.record
	h.Start()
	defer h.Stop()

	first := &Client{hub: h, send: make(chan []byte, 4), eventID: 7}
	second := &Client{hub: h, send: make(chan []byte, 4), eventID: 7}
	h.register <- first
	h.register <- second

	h.unregister <- first
	// 还有订阅者在线, 不应触发回调
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.recorded())

	h.unregister <- second
	require.Eventually(t, func() bool {
		got := rec.recorded()
		return len(got) == 1 && got[0] == uint(7)
	}, time.Second, 5*time.Millisecond)
}

// 发送缓冲区满被踢掉的最后一个订阅者, 和主动断开一样要触发空闲回调,
// 否则该活动的后台刷新会一直挂着。
func TestSlowClientDropFiresIdle(t *testing.T) {
	h := NewHub()
	rec := &idleRecorder{}
	h.OnEventIdle = rec.record
	h.Start()
	defer h.Stop()

	// 无缓冲且无人读取, 第一条消息即触发淘汰
	slow := &Client{hub: h, send: make(chan []byte), eventID: 9}
	h.register <- slow

	h.Emit(ChannelTally, 9, []byte(`{"poll_result_id":1}`))

	require.Eventually(t, func() bool {
		got := rec.recorded()
		return len(got) == 1 && got[0] == uint(9)
	}, time.Second, 5*time.Millisecond)
}
