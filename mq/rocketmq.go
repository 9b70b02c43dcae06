package mq

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

// TopicBroadcastEvents 投票广播事件的RocketMQ主题
const TopicBroadcastEvents = "poll_broadcast_events"

// RocketPublisher 把广播事件发往RocketMQ, 供外部系统消费
type RocketPublisher struct {
	producer rocketmq.Producer
}

// NewRocketPublisher 创建并启动RocketMQ生产者
func NewRocketPublisher(nameServer string) (*RocketPublisher, error) {
	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{nameServer}),
		producer.WithGroupName("poll_broadcast_producer"),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(time.Second*10),
		producer.WithVIPChannel(false),
	)
	if err != nil {
		return nil, fmt.Errorf("创建RocketMQ生产者失败: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("启动RocketMQ生产者失败: %w", err)
	}
	return &RocketPublisher{producer: p}, nil
}

// Publish 发送一条广播事件消息, channel和eventID作为消息属性携带
func (r *RocketPublisher) Publish(ctx context.Context, channel string, eventID uint, payload []byte) error {
	message := primitive.NewMessage(TopicBroadcastEvents, payload)
	message.WithTag(channel)
	message.WithProperty("event_id", fmt.Sprintf("%d", eventID))

	_, err := r.producer.SendSync(ctx, message)
	return err
}

// Shutdown 停止生产者
func (r *RocketPublisher) Shutdown() {
	if err := r.producer.Shutdown(); err != nil {
		log.Printf("关闭RocketMQ生产者失败: %v", err)
	}
}
