// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"mydouble-go/internal/config"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/tasks"
)

// maxAttempts 是一条事件处理失败后允许的最大重试次数，超过后提交 offset 放弃。
const maxAttempts = 3

// EventHandler 处理一条任务事件。
type EventHandler interface {
	HandleJobEvent(ctx context.Context, event tasks.JobEvent) error
}

// Publisher 发布任务事件。
type Publisher interface {
	Publish(ctx context.Context, event tasks.JobEvent) error
	Close() error
}

// Producer 是基于 kafka-go Writer 的 Publisher。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 发送一个任务事件到 Kafka，同一会话的事件使用相同的 key。
func (p *Producer) Publish(ctx context.Context, event tasks.JobEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费任务事件并交给 EventHandler 处理。
type Consumer struct {
	reader   *kafka.Reader
	handler  EventHandler
	attempts *redis.Client
	topic    string
}

// NewConsumer 创建消费者。rdb 用于记录失败次数，为 nil 时失败立即提交。
func NewConsumer(cfg config.KafkaConfig, handler EventHandler, rdb *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, handler: handler, attempts: rdb, topic: cfg.Topic}
}

// Run 阻塞消费直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var event tasks.JobEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			c.commit(ctx, m)
			continue
		}

		if err := c.handler.HandleJobEvent(ctx, event); err != nil {
			log.Errorf("处理任务事件失败: job=%s status=%s, Error: %v", event.JobID, event.Status, err)
			if c.shouldGiveUp(ctx, event) {
				log.Errorf("任务事件多次失败(>=%d)，提交 offset 终止重试: job=%s", maxAttempts, event.JobID)
				c.commit(ctx, m)
			}
			continue
		}

		c.clearAttempts(ctx, event)
		c.commit(ctx, m)
	}
}

func (c *Consumer) attemptsKey(event tasks.JobEvent) string {
	return fmt.Sprintf("kafka:attempts:%s:%s", event.JobID, event.Status)
}

func (c *Consumer) shouldGiveUp(ctx context.Context, event tasks.JobEvent) bool {
	if c.attempts == nil {
		return true
	}
	key := c.attemptsKey(event)
	n, err := c.attempts.Incr(ctx, key).Result()
	if err != nil {
		// Redis 异常时不提交 offset，让 Kafka 重试
		return false
	}
	_ = c.attempts.Expire(ctx, key, 24*time.Hour).Err()
	return n >= maxAttempts
}

func (c *Consumer) clearAttempts(ctx context.Context, event tasks.JobEvent) {
	if c.attempts == nil {
		return
	}
	_ = c.attempts.Del(ctx, c.attemptsKey(event)).Err()
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
