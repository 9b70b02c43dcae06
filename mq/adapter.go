package mq

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamBroadcastEvents Redis Stream降级通道的流名称
const StreamBroadcastEvents = "poll_broadcast_stream"

// MQAdapter 消息队列适配器: 优先RocketMQ, 不可用时降级到Redis Stream,
// 两者都不可用时变为空操作。作为广播层的一个下游Sink,
// 发布失败绝不影响投票提交。
type MQAdapter struct {
	rocketEnabled bool
	redisEnabled  bool
	rocket        *RocketPublisher
	redisClient   *redis.Client
	initOnce      sync.Once
}

// NewMQAdapter 创建新的消息队列适配器
func NewMQAdapter() *MQAdapter {
	return &MQAdapter{}
}

// Initialize 初始化消息队列
func (a *MQAdapter) Initialize() error {
	a.initOnce.Do(func() {
		// 首先尝试初始化RocketMQ
		if nameServer := os.Getenv("ROCKETMQ_NAMESERVER"); nameServer != "" {
			rocket, err := NewRocketPublisher(nameServer)
			if err != nil {
				log.Printf("RocketMQ初始化失败, 将尝试Redis Stream: %v", err)
			} else {
				a.rocket = rocket
				a.rocketEnabled = true
				log.Println("成功初始化RocketMQ广播通道")
				return
			}
		}

		// 降级到Redis Stream
		redisAddr := os.Getenv("REDIS_ADDR")
		if redisAddr == "" {
			redisHost := os.Getenv("REDIS_HOST")
			if redisHost == "" {
				redisHost = "localhost"
			}
			redisPort := os.Getenv("REDIS_PORT")
			if redisPort == "" {
				redisPort = "6379"
			}
			redisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort)
		}

		client := redis.NewClient(&redis.Options{
			Addr:        redisAddr,
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          0,
			DialTimeout: 5 * time.Second,
		})
		if _, err := client.Ping(context.Background()).Result(); err != nil {
			log.Printf("Redis Stream通道不可用, MQ广播将被跳过: %v", err)
			_ = client.Close()
			return
		}
		a.redisClient = client
		a.redisEnabled = true
		log.Println("成功初始化Redis Stream广播通道")
	})
	return nil
}

// Emit 实现广播层Sink接口, 尽力而为地发布事件
func (a *MQAdapter) Emit(channel string, eventID uint, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	switch {
	case a.rocketEnabled:
		if err := a.rocket.Publish(ctx, channel, eventID, payload); err != nil {
			log.Printf("RocketMQ发布失败 [channel=%s, event=%d]: %v", channel, eventID, err)
		}
	case a.redisEnabled:
		err := a.redisClient.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamBroadcastEvents,
			MaxLen: 10000,
			Approx: true,
			Values: map[string]interface{}{
				"channel":  channel,
				"event_id": eventID,
				"payload":  string(payload),
			},
		}).Err()
		if err != nil {
			log.Printf("Redis Stream发布失败 [channel=%s, event=%d]: %v", channel, eventID, err)
		}
	}
}

// Shutdown 关闭底层连接
func (a *MQAdapter) Shutdown() {
	if a.rocketEnabled {
		a.rocket.Shutdown()
	}
	if a.redisEnabled {
		_ = a.redisClient.Close()
	}
}
