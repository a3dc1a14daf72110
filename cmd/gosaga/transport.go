package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	brokerkafka "github.com/3rs4lg4d0/gosaga/broker/kafka"
	brokermem "github.com/3rs4lg4d0/gosaga/broker/memory"
	brokerredis "github.com/3rs4lg4d0/gosaga/broker/redis"
	emitterkafka "github.com/3rs4lg4d0/gosaga/emitter/kafka"
	"github.com/3rs4lg4d0/gosaga/internal/app"
	"github.com/3rs4lg4d0/gosaga/internal/config"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/redis/go-redis/v9"
)

// GetBroker connects to the configured broker.
func GetBroker(ctx context.Context, c *config.Config, l logger.Logger) (app.Broker, func(), error) {
	switch c.Broker {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return app.Broker{}, nil, fmt.Errorf("unable to reach redis at %s: %w", c.RedisAddr, err)
		}
		b := brokerredis.New(client, redisConsumer())
		return app.Broker{Emitter: b, Subscriber: b}, func() { _ = client.Close() }, nil
	case "kafka":
		w := brokerkafka.NewWriter(c.KafkaBrokers...)
		b := brokerkafka.New(w, brokerkafka.NewReaderFactory(c.KafkaBrokers...))
		if c.KafkaEmitter != "confluent" {
			return app.Broker{Emitter: b, Subscriber: b}, func() { _ = w.Close() }, nil
		}
		p, err := GetProducer(c)
		if err != nil {
			_ = w.Close()
			return app.Broker{}, nil, err
		}
		go drain(p, l)
		return app.Broker{Emitter: emitterkafka.New(p), Subscriber: b}, func() {
			p.Flush(5000)
			p.Close()
			_ = w.Close()
		}, nil
	default:
		b := brokermem.New()
		return app.Broker{Emitter: b, Subscriber: b}, func() {}, nil
	}
}

// redisConsumer names the consumer after the host so that a restarted
// process resumes its pending entries.
func redisConsumer() func(*brokerredis.Broker) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "gosaga"
	}
	return brokerredis.WithConsumer(name)
}

func GetProducer(c *config.Config) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.KafkaBrokers, ","),
		"linger.ms":          5,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

// drain logs the producer events that are not delivery reports.
func drain(p *kafka.Producer, l logger.Logger) {
	for e := range p.Events() {
		if ke, ok := e.(kafka.Error); ok {
			l.Error("kafka producer error", ke)
		}
	}
}
