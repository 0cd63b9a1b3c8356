// Package events publishes provisioning progress for remote observers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event as JSON keyed by its request id, so all
// events of one request land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger lg.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger lg.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("publisher needs brokers and a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic:  topic,
		logger: lg.OrDiscard(logger),
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.ProgressEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   ev.RequestUID[:],
		Value: value,
		Time:  ev.Time,
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.logger.Error("kafka topic does not exist", lg.String("topic", p.topic))
		}
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.ProgressEvent) error { return nil }
func (Nop) Close() error                                        { return nil }

// Async decouples the caller from a slow Publisher. Events go through a bounded
// queue; when the queue is full the event is dropped and counted.
type Async struct {
	next    Publisher
	queue   chan models.ProgressEvent
	timeout time.Duration
	logger  lg.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

func NewAsync(next Publisher, size int, timeout time.Duration, logger lg.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan models.ProgressEvent, size),
		timeout: timeout,
		logger:  lg.OrDiscard(logger),
		done:    make(chan struct{}),
	}
	go a.forward()
	return a
}

func (a *Async) forward() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("progress event lost", lg.String("request", ev.RequestUID.String()), lg.Err(err))
		}
		cancel()
	}
}

// Publish never blocks. It fails only after Close.
func (a *Async) Publish(_ context.Context, ev models.ProgressEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("publisher closed")
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped++
	}
	return nil
}

func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close flushes the queue and closes the wrapped Publisher.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
