// Package redis carries outbox records over Redis Streams. Every topic is a
// stream and every subscriber group a stream consumer group, so messages
// stay pending until their handler acknowledges them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// streamClient is the subset of redis.UniversalClient used by the broker.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type Broker struct {
	client   streamClient
	consumer string
	block    time.Duration
	count    int64
	maxLen   int64
	retryMin time.Duration
	retryMax time.Duration
	logger   logger.Logger
}

var _ emitter.Emitter = (*Broker)(nil)
var _ broker.Subscriber = (*Broker)(nil)
var _ logger.Loggable = (*Broker)(nil)

// opt allows optional configuration.
type opt func(b *Broker)

// WithConsumer names the stream consumer of this process. A stable name lets
// a restarted process resume the messages it left unacknowledged.
func WithConsumer(name string) opt {
	return func(b *Broker) {
		if name != "" {
			b.consumer = name
		}
	}
}

// WithBlock sets how long a read waits for new entries.
func WithBlock(d time.Duration) opt {
	return func(b *Broker) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithMaxLen caps every stream to approximately n entries.
func WithMaxLen(n int64) opt {
	return func(b *Broker) {
		b.maxLen = n
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

func New(c streamClient, options ...opt) *Broker {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("client is mandatory")
	}
	b := &Broker{
		client:   c,
		consumer: uuid.NewString(),
		block:    time.Second,
		count:    16,
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

// Emit appends the record to the stream named after its topic. The report is
// written once Redis answers.
func (b *Broker) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	topic := outbox.TopicFor(o)
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			broker.HeaderID:        o.Id.String(),
			broker.HeaderType:      o.PayloadType,
			broker.HeaderCreatedAt: strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
			fieldKey:               o.AggregateId,
			fieldPayload:           o.Payload,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	go func() {
		id, err := b.client.XAdd(context.Background(), args).Result()
		dc <- &emitter.DeliveryReport{
			Record:  o,
			Error:   err,
			Details: fmt.Sprintf("appended entry %s to stream %s", id, topic),
		}
	}()
	return nil
}

// Subscribe creates the consumer group if needed and consumes the stream in
// background. The entries this consumer left pending are handled before the
// new ones.
func (b *Broker) Subscribe(ctx context.Context, topic string, group string, h broker.Handler) error {
	if h == nil {
		return errors.New("handler is mandatory")
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s: %w", group, topic, err)
	}
	go b.consume(ctx, topic, group, h)
	return nil
}

func (b *Broker) consume(ctx context.Context, topic string, group string, h broker.Handler) {
	start := "0"
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{topic, start},
			Count:    b.count,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			start = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error(fmt.Sprintf("reading %s as %s", topic, group), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryMax):
			}
			continue
		}

		var n int
		for _, s := range streams {
			for _, xm := range s.Messages {
				n++
				if !b.handle(ctx, topic, group, xm, h) {
					return
				}
			}
		}
		// once the backlog of pending entries is drained read new ones
		if start == "0" && n == 0 {
			start = ">"
		}
	}
}

// handle invokes h until it acknowledges the entry. It returns false when ctx
// is done first.
func (b *Broker) handle(ctx context.Context, topic string, group string, xm redis.XMessage, h broker.Handler) bool {
	m, err := decode(topic, xm)
	if err != nil {
		b.logger.Error(fmt.Sprintf("dropping malformed entry %s of %s", xm.ID, topic), err)
		return b.ack(ctx, topic, group, xm.ID)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryMin
	eb.MaxInterval = b.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()

	for {
		err := h(ctx, m)
		if err == nil {
			return b.ack(ctx, topic, group, xm.ID)
		}
		wait := eb.NextBackOff()
		b.logger.Error(fmt.Sprintf("group %s failed on message '%s' from %s, retrying in %s", group, m.ID, topic, wait), err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (b *Broker) ack(ctx context.Context, topic string, group string, id string) bool {
	if err := b.client.XAck(ctx, topic, group, id).Err(); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// the entry stays pending and comes back with the next restart
		b.logger.Error(fmt.Sprintf("acknowledging entry %s of %s", id, topic), err)
	}
	return true
}

func decode(topic string, xm redis.XMessage) (*broker.Message, error) {
	get := func(k string) string {
		s, _ := xm.Values[k].(string)
		return s
	}
	id := get(broker.HeaderID)
	if id == "" {
		return nil, fmt.Errorf("entry %s has no %s field", xm.ID, broker.HeaderID)
	}
	m := &broker.Message{
		ID:      id,
		Topic:   topic,
		Key:     get(fieldKey),
		Type:    get(broker.HeaderType),
		Payload: []byte(get(fieldPayload)),
	}
	if ms, err := strconv.ParseInt(get(broker.HeaderCreatedAt), 10, 64); err == nil {
		m.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return m, nil
}
