package kafka

import (
	"context"

	"github.com/IBM/sarama"

	"studychat/pkg/logger"
)

// Config 消费/生产配置
type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Producer 生产者
type Producer struct {
	asyncProducer sarama.AsyncProducer
}

// ConsumerHandler 消息处理回调，返回错误时不标记offset，等待重投
type ConsumerHandler interface {
	HandleMessage(msg *sarama.ConsumerMessage) error
}

// InitProducer 初始化生产者
func InitProducer(brokers []string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{asyncProducer: producer}, nil
}

// SendMessage 发送消息
func (p *Producer) SendMessage(topic string, key, value []byte) error {
	p.asyncProducer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.asyncProducer.Close()
}

// Consumer 消费者
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	ready   chan bool
	handler ConsumerHandler
	log     logger.Logger
}

// InitConsumer 初始化消费者
func InitConsumer(cfg Config, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		group:   group,
		topic:   cfg.Topic,
		ready:   make(chan bool),
		handler: handler,
		log:     log,
	}, nil
}

// StartConsuming 启动消费，阻塞到消费组完成首次分配
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				c.log.Error(ctx, "Kafka consume error", logger.F("error", err.Error()))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	<-c.ready
	return nil
}

// Close 关闭消费组
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.handler.HandleMessage(msg); err == nil {
			sess.MarkMessage(msg, "")
		}
	}
	return nil
}
