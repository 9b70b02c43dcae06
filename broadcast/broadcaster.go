package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"realtime-election-backend/models"

	"golang.org/x/time/rate"
)

// 逻辑频道名称
const (
	ChannelLifecycle = "poll-lifecycle"
	ChannelTally     = "poll-tally"
)

// Sink 接收广播层最终发出的消息
type Sink interface {
	Emit(channel string, eventID uint, payload []byte)
}

// Policy 控制一次发布的限流行为。immediate/throttle/debounce/batch四选一,
// Priority绕过所有策略立即发出(但仍然更新去重缓存)。
type Policy struct {
	ThrottleMs    int  // 同一频道+过滤键上两次发出之间的最小间隔
	DebounceMs    int  // 合并突发, 静默期后只发出最后一个负载
	BatchMode     bool // 积累N个负载后作为一批发出
	BatchSize     int
	CacheState    bool     // 指定字段与上次发出相同时抑制发出
	CompareFields []string // 去重比较的字段路径, 如 "tally.poll_answers_count"
	Priority      bool     // 绕过其他所有策略, 必达
}

// Broadcaster 是限速的发布订阅门面。计票更新重算昂贵但过期即可丢弃,
// 生命周期事件罕见但绝不能丢, 所以后者用Priority。
// 显式构造和启停, 不是进程级单例, 每个测试用例构造新实例。
type Broadcaster struct {
	mu      sync.Mutex
	sinks   []Sink
	states  map[string]*channelState
	running bool
}

type emission struct {
	channel string
	eventID uint
	payload []byte
	fields  map[string]string
}

type channelState struct {
	limiter       *rate.Limiter
	pending       *emission // 节流窗口内到达的最新负载
	pendingTimer  *time.Timer
	debouncing    *emission
	debounceTimer *time.Timer
	batch         []json.RawMessage
	batchEventID  uint
	lastFields    map[string]string // 去重缓存: 上次发出负载的比较字段值
}

func NewBroadcaster(sinks ...Sink) *Broadcaster {
	return &Broadcaster{
		sinks:  sinks,
		states: make(map[string]*channelState),
	}
}

// Start 启用广播层
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
}

// Stop 停止广播层并取消所有挂起的定时器
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	for _, st := range b.states {
		if st.pendingTimer != nil {
			st.pendingTimer.Stop()
			st.pendingTimer = nil
		}
		if st.debounceTimer != nil {
			st.debounceTimer.Stop()
			st.debounceTimer = nil
		}
	}
}

// Publish 按策略发布一个事件。去重在除Priority外的每个策略分支生效。
func (b *Broadcaster) Publish(channel string, ev models.BroadcastEvent, p Policy) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("序列化广播事件失败: %v", err)
		return
	}

	em := &emission{
		channel: channel,
		eventID: ev.EventID,
		payload: payload,
		fields:  extractFields(payload, p.CompareFields),
	}
	key := fmt.Sprintf("%s:%d", channel, ev.EventID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}

	st, ok := b.states[key]
	if !ok {
		st = &channelState{}
		b.states[key] = st
	}

	// Priority总是胜出: 立即发出并刷新去重缓存
	if p.Priority {
		b.emitLocked(st, em)
		return
	}

	if p.CacheState && st.lastFields != nil && fieldsEqual(st.lastFields, em.fields, p.CompareFields) {
		return
	}

	switch {
	case p.DebounceMs > 0:
		st.debouncing = em
		if st.debounceTimer != nil {
			st.debounceTimer.Stop()
		}
		st.debounceTimer = time.AfterFunc(time.Duration(p.DebounceMs)*time.Millisecond, func() {
			b.flushDebounce(key)
		})

	case p.BatchMode && p.BatchSize > 1:
		st.batch = append(st.batch, json.RawMessage(em.payload))
		st.batchEventID = em.eventID
		if len(st.batch) >= p.BatchSize {
			b.flushBatchLocked(channel, st, em)
		}

	case p.ThrottleMs > 0:
		if st.limiter == nil {
			st.limiter = rate.NewLimiter(rate.Every(time.Duration(p.ThrottleMs)*time.Millisecond), 1)
		}
		if st.limiter.Allow() {
			b.emitLocked(st, em)
			return
		}
		// 窗口内只保留最新负载, 窗口过后补发一次
		st.pending = em
		if st.pendingTimer == nil {
			st.pendingTimer = time.AfterFunc(time.Duration(p.ThrottleMs)*time.Millisecond, func() {
				b.flushPending(key)
			})
		}

	default:
		b.emitLocked(st, em)
	}
}

func (b *Broadcaster) flushDebounce(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok || !b.running || st.debouncing == nil {
		return
	}
	em := st.debouncing
	st.debouncing = nil
	st.debounceTimer = nil
	b.emitLocked(st, em)
}

func (b *Broadcaster) flushPending(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok || !b.running {
		return
	}
	st.pendingTimer = nil
	if st.pending == nil {
		return
	}
	em := st.pending
	st.pending = nil
	if st.limiter != nil {
		st.limiter.Allow() // 补发也占用一个节流窗口
	}
	b.emitLocked(st, em)
}

func (b *Broadcaster) flushBatchLocked(channel string, st *channelState, last *emission) {
	combined, err := json.Marshal(st.batch)
	if err != nil {
		log.Printf("序列化批量广播失败: %v", err)
		st.batch = nil
		return
	}
	st.batch = nil
	b.emitLocked(st, &emission{
		channel: channel,
		eventID: last.eventID,
		payload: combined,
		fields:  last.fields,
	})
}

// emitLocked 发给所有下游并刷新去重缓存, 调用方持有锁
func (b *Broadcaster) emitLocked(st *channelState, em *emission) {
	st.lastFields = em.fields
	for _, sink := range b.sinks {
		sink.Emit(em.channel, em.eventID, em.payload)
	}
}

// PublishLifecycle 发布生命周期事件: 必须送达, 使用Priority
func (b *Broadcaster) PublishLifecycle(ev models.LifecycleEvent) {
	b.Publish(ChannelLifecycle, models.BroadcastEvent{
		Kind:      ev.State,
		EventID:   ev.EventID,
		Lifecycle: &ev,
	}, Policy{Priority: true, CacheState: true, CompareFields: []string{"kind", "lifecycle.poll_result.closed"}})
}

// PublishTally 发布计票更新: 节流加状态去重, 过期负载可以丢弃
func (b *Broadcaster) PublishTally(ev models.TallyEvent) {
	b.Publish(ChannelTally, models.BroadcastEvent{
		Kind:    models.KindTallyUpdated,
		EventID: ev.EventID,
		Tally:   &ev,
	}, Policy{
		ThrottleMs:    1000,
		CacheState:    true,
		CompareFields: []string{"tally.poll_answers_count", "tally.poll_user_voted_count", "tally.users_completed_voting"},
	})
}

// extractFields 从序列化负载中取出比较字段的值, 路径以点号分隔
func extractFields(payload []byte, paths []string) map[string]string {
	if len(paths) == 0 {
		return map[string]string{}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(paths))
	for _, path := range paths {
		out[path] = lookupField(doc, path)
	}
	return out
}

func lookupField(doc map[string]interface{}, path string) string {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return fmt.Sprintf("%v", cur)
}

func fieldsEqual(a, b map[string]string, paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if a[p] != b[p] {
			return false
		}
	}
	return true
}
