package test

import (
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestCounter records increments coming from any goroutine.
type TestCounter struct {
	value atomic.Int64
}

func (c *TestCounter) Inc(delta int64) {
	c.value.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.value.Load()
}

// TestLogger keeps the messages written through it.
type TestLogger struct {
	mu      sync.Mutex
	Entries []string
}

func (l *TestLogger) Debug(msg string) { l.add("DEBUG " + msg) }

func (l *TestLogger) Info(msg string) { l.add("INFO " + msg) }

func (l *TestLogger) Warn(msg string) { l.add("WARN " + msg) }

func (l *TestLogger) Error(msg string, err error) { l.add("ERROR " + msg + ": " + err.Error()) }

func (l *TestLogger) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, e)
}

// Lines returns a copy of the messages logged so far.
func (l *TestLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Entries...)
}
