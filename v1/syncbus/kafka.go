package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// KafkaBus implements Bus using a Kafka backend. Every partition of a topic
// is consumed starting at the newest offset, so only events published after
// Subscribe are seen.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	dedup    *Deduper
	logger   *slog.Logger
	fan      *fanout

	mu        sync.Mutex
	subs      map[string][]sarama.PartitionConsumer
	closed    bool
	published atomic.Uint64
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...Option) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b := NewKafkaBusFromClients(producer, consumer, opts...)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients wraps an existing producer and consumer. The bus
// takes ownership of both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...Option) *KafkaBus {
	o := newBusOptions(opts)
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		dedup:    o.dedup,
		logger:   o.logger,
		fan:      newFanout(),
		subs:     make(map[string][]sarama.PartitionConsumer),
	}
}

// Publish implements Bus.Publish. Messages are keyed by resource. Publish
// returns when ctx ends even if the producer is still sending; the message
// may then be delivered anyway.
func (b *KafkaBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(evt.Resource),
		Value: sarama.ByteEncoder(data),
	}
	sent := make(chan error, 1)
	go func() {
		_, _, err := b.producer.SendMessage(msg)
		sent <- err
	}()
	select {
	case err := <-sent:
		if err != nil {
			return mapErr(err, "kafka publish", topic, sarama.ErrClosedClient, sarama.ErrShuttingDown)
		}
	case <-ctx.Done():
		return mapErr(ctx.Err(), "kafka publish", topic)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, warperrors.ErrConnectionClosed
	}
	if _, ok := b.subs[topic]; !ok {
		pcs, err := b.consumeAll(topic)
		if err != nil {
			return nil, mapErr(err, "kafka subscribe", topic, sarama.ErrClosedClient)
		}
		b.subs[topic] = pcs
		for _, pc := range pcs {
			go b.dispatch(topic, pc)
		}
	}
	ch := b.fan.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// consumeAll opens a consumer on every partition of topic. Releases are keyed
// by resource, so any partition may carry them.
func (b *KafkaBus) consumeAll(topic string) ([]sarama.PartitionConsumer, error) {
	partitions, err := b.consumer.Partitions(topic)
	if err != nil {
		return nil, err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, partition := range partitions {
		pc, err := b.consumer.ConsumePartition(topic, partition, sarama.OffsetNewest)
		if err != nil {
			for _, opened := range pcs {
				opened.AsyncClose()
			}
			return nil, err
		}
		pcs = append(pcs, pc)
	}
	return pcs, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		evt, ok := decodeEvent(msg.Value)
		if !ok {
			b.logger.Debug("warden: dropping malformed bus message", "topic", topic, "offset", msg.Offset)
			continue
		}
		if b.dedup.Seen(evt.ID) {
			continue
		}
		b.fan.deliver(topic, evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(topic, ch) {
		return nil
	}
	pcs, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	for _, pc := range pcs {
		pc.AsyncClose()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, pcs := range b.subs {
		for _, pc := range pcs {
			pc.AsyncClose()
		}
		delete(b.subs, topic)
	}
	b.fan.closeAll()
	b.dedup.Close()
	err := b.producer.Close()
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
