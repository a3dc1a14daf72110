// Package kafka carries outbox records over Kafka with segmentio/kafka-go.
// Records are keyed by aggregate id so one aggregate always lands on the same
// partition, and offsets are committed only after the handler succeeds.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer used to emit records.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// MessageReader is the subset of *kafkago.Reader used to consume a topic.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ReaderFactory opens a reader of topic for the consumer group.
type ReaderFactory func(topic string, group string) MessageReader

// NewWriter returns a writer for brokers that waits for every in-sync replica
// and picks the partition from the message key.
func NewWriter(brokers ...string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewReaderFactory returns a ReaderFactory dialing brokers.
func NewReaderFactory(brokers ...string) ReaderFactory {
	return func(topic string, group string) MessageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafkago.FirstOffset,
		})
	}
}

type Broker struct {
	writer   messageWriter
	readers  ReaderFactory
	timeout  time.Duration
	retryMin time.Duration
	retryMax time.Duration
	logger   logger.Logger
}

var _ emitter.Emitter = (*Broker)(nil)
var _ broker.Subscriber = (*Broker)(nil)
var _ logger.Loggable = (*Broker)(nil)

// opt allows optional configuration.
type opt func(b *Broker)

// WithWriteTimeout bounds every write.
func WithWriteTimeout(d time.Duration) opt {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithRetryInterval bounds the wait before a failed message is handed to its
// handler again.
func WithRetryInterval(lo time.Duration, hi time.Duration) opt {
	return func(b *Broker) {
		if lo > 0 && hi >= lo {
			b.retryMin, b.retryMax = lo, hi
		}
	}
}

func New(w messageWriter, rf ReaderFactory, options ...opt) *Broker {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("writer is mandatory")
	}
	if rf == nil {
		panic("reader factory is mandatory")
	}
	b := &Broker{
		writer:   w,
		readers:  rf,
		timeout:  10 * time.Second,
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
		logger:   &logger.NopLogger{},
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// SetLogger sets an optional logger.
func (b *Broker) SetLogger(l logger.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Emit writes the record to its topic in background and reports the outcome
// of the write.
func (b *Broker) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	topic := outbox.TopicFor(o)
	msg := kafkago.Message{
		Topic: topic,
		Key:   []byte(o.AggregateId),
		Value: o.Payload,
		Headers: []kafkago.Header{
			{Key: broker.HeaderID, Value: []byte(o.Id.String())},
			{Key: broker.HeaderType, Value: []byte(o.PayloadType)},
			{Key: broker.HeaderCreatedAt, Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		err := b.writer.WriteMessages(ctx, msg)
		dc <- &emitter.DeliveryReport{
			Record:  o,
			Error:   err,
			Details: fmt.Sprintf("wrote message to topic %s", topic),
		}
	}()
	return nil
}

// Subscribe opens a reader for topic on behalf of group and consumes it in
// background until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, topic string, group string, h broker.Handler) error {
	if h == nil {
		return errors.New("handler is mandatory")
	}
	r := b.readers(topic, group)
	if r == nil {
		return fmt.Errorf("no reader for %s as %s", topic, group)
	}
	go b.consume(ctx, r, topic, group, h)
	return nil
}

func (b *Broker) consume(ctx context.Context, r MessageReader, topic string, group string, h broker.Handler) {
	defer func() {
		if err := r.Close(); err != nil {
			b.logger.Error(fmt.Sprintf("closing reader of %s", topic), err)
		}
	}()
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error(fmt.Sprintf("fetching from %s as %s", topic, group), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryMax):
			}
			continue
		}
		if !b.handle(ctx, km, group, h) {
			return
		}
		if err := r.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error(fmt.Sprintf("committing offset %d of %s", km.Offset, topic), err)
		}
	}
}

// handle invokes h until it acknowledges the message. It returns false when
// ctx is done first.
func (b *Broker) handle(ctx context.Context, km kafkago.Message, group string, h broker.Handler) bool {
	m := decode(km)
	if m.ID == "" {
		b.logger.Warn(fmt.Sprintf("dropping message at offset %d of %s without id", km.Offset, km.Topic))
		return true
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryMin
	eb.MaxInterval = b.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()

	for {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		wait := eb.NextBackOff()
		b.logger.Error(fmt.Sprintf("group %s failed on message '%s' from %s, retrying in %s", group, m.ID, m.Topic, wait), err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func decode(km kafkago.Message) *broker.Message {
	m := &broker.Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Payload: km.Value,
	}
	for _, hd := range km.Headers {
		switch hd.Key {
		case broker.HeaderID:
			m.ID = string(hd.Value)
		case broker.HeaderType:
			m.Type = string(hd.Value)
		case broker.HeaderCreatedAt:
			if ms, err := strconv.ParseInt(string(hd.Value), 10, 64); err == nil {
				m.CreatedAt = time.UnixMilli(ms).UTC()
			}
		}
	}
	return m
}
