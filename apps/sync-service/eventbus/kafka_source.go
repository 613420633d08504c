package eventbus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"studychat/pkg/kafka"
	"studychat/pkg/logger"
)

// KafkaSource 基于Kafka的会话事件源
// 服务端内嵌部署引擎时替代WebSocket流：所有会话的变更事件走同一个topic，
// 按会话ID分区键投递，订阅侧过滤出自己会话的事件。
// 消费组语义是至少一次且offset连续，不存在需要resync的缺口，故不投递Gap标记。
type KafkaSource struct {
	cfg kafka.Config
	log logger.Logger
}

// NewKafkaSource 创建Kafka事件源
func NewKafkaSource(cfg kafka.Config, log logger.Logger) *KafkaSource {
	return &KafkaSource{cfg: cfg, log: log}
}

// Subscribe 订阅一个会话的事件流
// 每个订阅使用独立消费组，避免同进程多个会话互相抢占分区。
func (s *KafkaSource) Subscribe(ctx context.Context, conversationID int64) (Subscription, error) {
	sub := &kafkaSubscription{
		conversationID: conversationID,
		ch:             make(chan Delivery, 64),
		log:            s.log,
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	cfg := s.cfg
	cfg.GroupID = fmt.Sprintf("%s-conv-%d", s.cfg.GroupID, conversationID)
	consumer, err := kafka.InitConsumer(cfg, sub, s.log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe conversation %d: %w", conversationID, err)
	}
	sub.consumer = consumer
	sub.ctx = subCtx

	if err := consumer.StartConsuming(subCtx); err != nil {
		cancel()
		consumer.Close()
		return nil, err
	}
	return sub, nil
}

// kafkaSubscription 单个会话的Kafka订阅
type kafkaSubscription struct {
	conversationID int64
	ch             chan Delivery
	consumer       *kafka.Consumer
	cancel         context.CancelFunc
	ctx            context.Context
	log            logger.Logger
}

// HandleMessage 实现 kafka.ConsumerHandler
// 解码失败返回nil标记offset，避免坏消息无限重投。
func (k *kafkaSubscription) HandleMessage(msg *sarama.ConsumerMessage) error {
	ev, err := Decode(msg.Value)
	if err != nil {
		k.log.Warn(k.ctx, "Dropping undecodable kafka event",
			logger.F("topic", msg.Topic),
			logger.F("offset", msg.Offset),
			logger.F("error", err.Error()))
		return nil
	}
	if ev.ConversationID != k.conversationID {
		return nil
	}

	select {
	case k.ch <- Delivery{Event: ev}:
	case <-k.ctx.Done():
	}
	return nil
}

// Deliveries 交付通道
func (k *kafkaSubscription) Deliveries() <-chan Delivery {
	return k.ch
}

// Close 关闭订阅
func (k *kafkaSubscription) Close() error {
	k.cancel()
	err := k.consumer.Close()
	close(k.ch)
	return err
}
