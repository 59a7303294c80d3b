package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Each lock maps to one
// single-partition topic consumed from the newest offset.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	subs      *subscribers
	mu        sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     newSubscribers(),
		pcs:      make(map[string]sarama.PartitionConsumer),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, n Notice) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: Topic(n.Lock),
		Key:   sarama.StringEncoder(n.Lock),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, lock string) (<-chan Notice, error) {
	b.mu.Lock()
	if _, ok := b.pcs[lock]; !ok {
		pc, err := b.consumer.ConsumePartition(Topic(lock), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pcs[lock] = pc
		go b.dispatch(pc)
	}
	ch, _ := b.subs.add(lock)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		n, err := DecodeNotice(msg.Value)
		if err != nil {
			slog.Warn("fairlock: dropping malformed notice", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		b.subs.deliver(n)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(lock, ch)
	if !found || !last {
		return nil
	}
	pc := b.pcs[lock]
	delete(b.pcs, lock)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for lock, pc := range b.pcs {
		_ = pc.Close()
		delete(b.pcs, lock)
	}
	b.mu.Unlock()
	b.subs.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
