package aggregate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/outbox"
)

// Event is a domain event emitted by a state transition.
type Event interface {
	EventType() string
}

// Recorder writes events to the outbox of the current transaction.
type Recorder interface {
	RecordForPublish(ctx context.Context, aggregateType string, aggregateId string, events ...outbox.Event) error
}

// ToOutbox serializes domain events so that they can be recorded in the
// outbox within the transaction of the aggregate write.
func ToOutbox(events ...Event) ([]outbox.Event, error) {
	res := make([]outbox.Event, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("serializing %s: %w", e.EventType(), err)
		}
		res = append(res, outbox.Event{Type: e.EventType(), Payload: payload})
	}
	return res, nil
}

// Publish records the events emitted by an aggregate. It must run in the
// transaction that saved the aggregate.
func Publish(ctx context.Context, r Recorder, aggregateType string, id string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	oes, err := ToOutbox(events...)
	if err != nil {
		return err
	}
	return r.RecordForPublish(ctx, aggregateType, id, oes...)
}
