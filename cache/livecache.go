package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"realtime-election-backend/service"
)

// SnapshotLoader 是实时结果缓存对核心引擎的依赖接口
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, pollResultID uint) (*service.ResultSnapshot, error)
	OpenPublicResults(ctx context.Context) ([]service.ResultRef, error)
}

// DefaultRefreshInterval 全局刷新周期, 对齐到挂钟15秒边界
const DefaultRefreshInterval = 15 * time.Second

// DefaultEvictGrace 停止按需缓存后到条目淘汰之间的宽限时间
const DefaultEvictGrace = 30 * time.Second

type entryKey struct {
	EventID      uint
	PollResultID uint
}

type eventRefresher struct {
	stop       chan struct{}
	evictTimer *time.Timer
}

// ResultCache 后台刷新的实时结果缓存。读流量永远不直接打到投票存储:
// 命中返回缓存快照, 未命中触发一次权威读取并启动后台刷新。
// 条目整体替换(写时复制), 并发读者看到旧快照或新快照, 绝不会看到半成品。
type ResultCache struct {
	loader     SnapshotLoader
	interval   time.Duration
	evictGrace time.Duration

	mu      sync.RWMutex
	entries map[entryKey]*service.ResultSnapshot

	perEventMu sync.Mutex
	perEvent   map[uint]*eventRefresher

	redisMirror RedisClient // 可为nil, 有则把快照镜像到Redis
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

func NewResultCache(loader SnapshotLoader) *ResultCache {
	return &ResultCache{
		loader:     loader,
		interval:   DefaultRefreshInterval,
		evictGrace: DefaultEvictGrace,
		entries:    make(map[entryKey]*service.ResultSnapshot),
		perEvent:   make(map[uint]*eventRefresher),
		done:       make(chan struct{}),
	}
}

// WithRefreshInterval 调整刷新周期, 测试用
func (c *ResultCache) WithRefreshInterval(interval, grace time.Duration) *ResultCache {
	c.interval = interval
	c.evictGrace = grace
	return c
}

// WithRedisMirror 启用快照的Redis二级镜像
func (c *ResultCache) WithRedisMirror(client RedisClient) *ResultCache {
	c.redisMirror = client
	return c
}

// Start 启动全局刷新循环: 先对齐到下一个挂钟周期边界,
// 之后每个周期发现所有开启且公开可见的实例并逐个刷新。
func (c *ResultCache) Start() {
	c.startOnce.Do(func() {
		go func() {
			align := time.Until(time.Now().Truncate(c.interval).Add(c.interval))
			select {
			case <-time.After(align):
			case <-c.done:
				return
			}

			c.refreshAllOpen()
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.refreshAllOpen()
				case <-c.done:
					return
				}
			}
		}()
	})
}

// Stop 停止全局和所有按需刷新循环
func (c *ResultCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.perEventMu.Lock()
		for eventID, r := range c.perEvent {
			close(r.stop)
			if r.evictTimer != nil {
				r.evictTimer.Stop()
			}
			delete(c.perEvent, eventID)
		}
		c.perEventMu.Unlock()
	})
}

func (c *ResultCache) refreshAllOpen() {
	ctx := context.Background()
	refs, err := c.loader.OpenPublicResults(ctx)
	if err != nil {
		log.Printf("发现开启实例失败: %v", err)
		return
	}
	for _, ref := range refs {
		c.refreshOne(ctx, ref.PollResultID)
	}
}

func (c *ResultCache) refreshOne(ctx context.Context, pollResultID uint) {
	snap, err := c.loader.LoadSnapshot(ctx, pollResultID)
	if err != nil {
		log.Printf("刷新实例 %d 快照失败: %v", pollResultID, err)
		return
	}
	c.store(snap)
}

// store 写入一个新快照, 并淘汰同一活动中被更新实例取代的旧条目
func (c *ResultCache) store(snap *service.ResultSnapshot) {
	key := entryKey{EventID: snap.EventID, PollResultID: snap.PollResult.ID}
	c.mu.Lock()
	c.entries[key] = snap
	for k := range c.entries {
		if k.EventID == snap.EventID && k.PollResultID < snap.PollResult.ID {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if c.redisMirror != nil {
		data, err := json.Marshal(snap)
		if err == nil {
			mirrorKey := fmt.Sprintf("live:event:%d:result:%d", snap.EventID, snap.PollResult.ID)
			c.redisMirror.Set(context.Background(), mirrorKey, string(data), c.interval*2)
		}
	}
}

// StartCaching 按需启动一个活动的刷新循环。重复调用只取消挂起的淘汰。
func (c *ResultCache) StartCaching(eventID uint) {
	c.perEventMu.Lock()
	defer c.perEventMu.Unlock()

	if r, ok := c.perEvent[eventID]; ok {
		if r.evictTimer != nil {
			r.evictTimer.Stop()
			r.evictTimer = nil
		}
		return
	}

	r := &eventRefresher{stop: make(chan struct{})}
	c.perEvent[eventID] = r
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refreshEvent(eventID)
			case <-r.stop:
				return
			case <-c.done:
				return
			}
		}
	}()
}

// StopCaching 消费者离开后延迟一小段时间再停止刷新并淘汰条目,
// 避免快速重连时反复冷启动
func (c *ResultCache) StopCaching(eventID uint) {
	c.perEventMu.Lock()
	defer c.perEventMu.Unlock()
	r, ok := c.perEvent[eventID]
	if !ok || r.evictTimer != nil {
		return
	}
	r.evictTimer = time.AfterFunc(c.evictGrace, func() {
		c.perEventMu.Lock()
		if cur, ok := c.perEvent[eventID]; ok && cur == r {
			close(cur.stop)
			delete(c.perEvent, eventID)
		}
		c.perEventMu.Unlock()

		c.mu.Lock()
		for k := range c.entries {
			if k.EventID == eventID {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	})
}

func (c *ResultCache) refreshEvent(eventID uint) {
	ctx := context.Background()
	c.mu.RLock()
	ids := make([]uint, 0)
	for k := range c.entries {
		if k.EventID == eventID {
			ids = append(ids, k.PollResultID)
		}
	}
	c.mu.RUnlock()

	if len(ids) == 0 {
		// 还没有已知条目, 通过发现通道找到该活动的开启实例
		refs, err := c.loader.OpenPublicResults(ctx)
		if err != nil {
			log.Printf("发现活动 %d 的开启实例失败: %v", eventID, err)
			return
		}
		for _, ref := range refs {
			if ref.EventID == eventID {
				ids = append(ids, ref.PollResultID)
			}
		}
	}
	for _, id := range ids {
		c.refreshOne(ctx, id)
	}
}

// GetCachedData 读取一个实例的快照。未命中时执行一次权威读取,
// 填充缓存并启动该活动的后台刷新, 后续读取都走缓存。
func (c *ResultCache) GetCachedData(ctx context.Context, eventID, pollResultID uint) (*service.ResultSnapshot, error) {
	key := entryKey{EventID: eventID, PollResultID: pollResultID}
	c.mu.RLock()
	snap, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	snap, err := c.loader.LoadSnapshot(ctx, pollResultID)
	if err != nil {
		return nil, err
	}
	c.store(snap)
	c.StartCaching(eventID)
	return snap, nil
}

// EventSnapshots 返回一个活动当前缓存的全部快照
func (c *ResultCache) EventSnapshots(eventID uint) []*service.ResultSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*service.ResultSnapshot, 0)
	for k, snap := range c.entries {
		if k.EventID == eventID {
			out = append(out, snap)
		}
	}
	return out
}
