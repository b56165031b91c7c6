// Package kafka 把事件总线上的文件变化转发到 Kafka，供外部系统消费。
package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tgstate-go/internal/config"
	"tgstate-go/internal/events"
	"tgstate-go/pkg/log"
)

// messageWriter 是 *kafka.Writer 中转发器用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder 订阅事件总线，把每个事件写入 Kafka 主题，消息 key 为复合标识。
type Forwarder struct {
	writer messageWriter
	topic  string
}

// NewForwarder 根据配置创建转发器。Brokers 为空时返回 nil。
func NewForwarder(cfg config.KafkaConfig) *Forwarder {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return nil
	}
	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		// 同一文件的 add/delete 通过 key 落在同一分区，保持顺序。
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	log.Infof("[KafkaForwarder] Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return &Forwarder{writer: w, topic: cfg.Topic}
}

// Run 持续转发事件直到 ctx 结束。写入失败只记录日志，事件通知不保证送达。
func (f *Forwarder) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()
	defer func() {
		if err := f.writer.Close(); err != nil {
			log.Errorf("[KafkaForwarder] 关闭 Kafka 生产者失败: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e events.Event) {
	value, err := events.Marshal(e)
	if err != nil {
		log.Errorf("[KafkaForwarder] 序列化事件失败: %v", err)
		return
	}
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.CompositeID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Kind)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Errorf("[KafkaForwarder] 写入 Kafka 失败, file_id=%s: %v", e.CompositeID, err)
		return
	}
	log.Debugf("[KafkaForwarder] 已转发事件 %s %s", e.Kind, e.CompositeID)
}
