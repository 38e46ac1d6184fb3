package changefeed

import (
	"clinicchat/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const kafkaRetryDelay = 500 * time.Millisecond

// KafkaFeed delivers change events over Kafka, one topic per collection.
// Every subscription reads partition 0 from the latest offset without a
// consumer group, so each subscriber sees every event published after it
// subscribed.
type KafkaFeed struct {
	Brokers []string
	Writer  *kafka.Writer
}

// NewKafkaFeed creates the shared writer.
func NewKafkaFeed(brokers []string) *KafkaFeed {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    1,
		BatchTimeout: 0,
		RequiredAcks: 1,
	}
	return &KafkaFeed{Brokers: brokers, Writer: writer}
}

// Publish writes the event to the collection's topic.
func (f *KafkaFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: ChannelName(ev.Collection), Value: payload}
	if err := f.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", ev.Collection, err)
	}
	return nil
}

// Subscribe starts a reader at the end of the collection's topic.
func (f *KafkaFeed) Subscribe(ctx context.Context, col models.Collection, onEvent Handler, onError ErrorHandler) (Unsubscribe, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.Brokers,
		Topic:     ChannelName(col),
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   100 * time.Millisecond,
	})
	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("kafka subscribe %s: %w", col, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = reader.Close()
		})
	}

	go func() {
		defer stop()
		for {
			m, err := reader.ReadMessage(subCtx)
			if err != nil {
				if subCtx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				zap.S().Warnw("kafka change feed read failed", "collection", col, "error", err)
				if onError != nil {
					onError(err)
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(kafkaRetryDelay):
				}
				continue
			}
			dispatch(col, m.Value, onEvent, onError)
		}
	}()

	return stop, nil
}

// Close flushes and closes the writer.
func (f *KafkaFeed) Close() error {
	return f.Writer.Close()
}
