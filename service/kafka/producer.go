package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/service/metrics"
	"PPChat/tools/safe"
)

// Publisher 把 DeliveryEvent 异步写入 Kafka。
// Publish 不阻塞路由：缓冲满直接丢弃并计数。
type Publisher struct {
	prod    sarama.SyncProducer
	topics  []string
	ch      chan chat.DeliveryEvent
	workers int
}

var _ chat.EventSink = (*Publisher)(nil)

func NewPublisher(c config.KafkaConfig) (*Publisher, error) {
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	prod, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewPublisherWithProducer(prod, GenTopics(c.TopicPattern, c.TopicCount), c.Workers, c.Buffer), nil
}

func NewPublisherWithProducer(prod sarama.SyncProducer, topics []string, workers, buffer int) *Publisher {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{prod: prod, topics: topics, ch: make(chan chat.DeliveryEvent, buffer), workers: workers}
}

func (p *Publisher) Publish(ev chat.DeliveryEvent) {
	select {
	case p.ch <- ev:
	default:
		metrics.EventsDropped.Inc()
		logger.Warn("[Kafka] event buffer full, drop", zap.Int64("msgId", ev.MsgID))
	}
}

// Run 启动 worker；ctx 结束后把缓冲里剩下的事件发完再返回
func (p *Publisher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		safe.SafeGo("kafka-publisher", func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.drain()
					return
				case ev := <-p.ch:
					p.send(ev)
				}
			}
		})
	}
	wg.Wait()
	return nil
}

func (p *Publisher) drain() {
	for {
		select {
		case ev := <-p.ch:
			p.send(ev)
		default:
			return
		}
	}
}

func (p *Publisher) send(ev chat.DeliveryEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		logger.Error("[Kafka] marshal event failed", zap.Int64("msgId", ev.MsgID), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: SelectTopicByKey(ev.SenderID, p.topics),
		Key:   sarama.StringEncoder(ev.SenderID),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.prod.SendMessage(msg)
	if err != nil {
		metrics.EventsDropped.Inc()
		logger.Warn("[Kafka] send event failed", zap.String("topic", msg.Topic), zap.Int64("msgId", ev.MsgID), zap.Error(err))
		return
	}
	logger.Debug("[Kafka] event sent",
		zap.String("topic", msg.Topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
}

// Close 须在 Run 返回之后调用
func (p *Publisher) Close() error { return p.prod.Close() }
