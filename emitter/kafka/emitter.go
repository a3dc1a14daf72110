package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	if l != nil {
		e.logger = l
	}
}

func (e *Emitter) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	var internal = make(chan kafka.Event, 1)
	topic := outbox.TopicFor(o)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateId),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.Id.String())},
			{Key: "type", Value: []byte(o.PayloadType)},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		return err
	}

	go func() {
		// the channel is dedicated to this Produce call so only the first
		// delivery event matters.
		ev := <-internal
		switch m := ev.(type) {
		case *kafka.Message:
			dc <- &emitter.DeliveryReport{
				Record: o,
				Error:  m.TopicPartition.Error,
				Details: fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
					*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
			}
		default:
			e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
			dc <- &emitter.DeliveryReport{
				Record: o,
				Error:  fmt.Errorf("unexpected delivery event: %s", ev),
			}
		}
	}()

	return nil
}
