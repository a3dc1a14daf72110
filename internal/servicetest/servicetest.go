// Package servicetest runs participant handlers against the in-memory
// backend so that service tests can inspect replies and events in the outbox.
package servicetest

import (
	"encoding/json"
	"testing"

	brokermem "github.com/3rs4lg4d0/gosaga/broker/memory"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/3rs4lg4d0/gosaga/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Fixture wires a memory store, an outbox and a channel. Nothing is relayed:
// recorded messages stay in the store outbox.
type Fixture struct {
	Store   *memory.Store
	Outbox  *outbox.Outbox
	Channel *channel.Channel
}

// New creates a fixture.
func New() *Fixture {
	store := memory.New()
	b := brokermem.New()
	ob := outbox.New(outbox.Settings{}, store, b)
	return &Fixture{
		Store:   store,
		Outbox:  ob,
		Channel: channel.New(ob, b),
	}
}

// Dispatcher creates a participant dispatcher on the fixture.
func (f *Fixture) Dispatcher(name string) *participant.Dispatcher {
	return participant.NewDispatcher(name, f.Channel, f.Store, f.Store, participant.WithConflictRetries(3))
}

// Command builds a command as the orchestrator would send it.
func Command(t *testing.T, participantName string, cmdType string, payload any) *channel.Message {
	p, err := channel.Encode(payload)
	require.NoError(t, err)
	return &channel.Message{
		ID:           uuid.NewString(),
		Kind:         channel.KindCommand,
		Type:         cmdType,
		SagaID:       uuid.NewString(),
		SagaType:     "TestSaga",
		StepIndex:    1,
		Destination:  channel.CommandChannel(participantName),
		ReplyChannel: channel.ReplyChannel("TestSaga"),
		Payload:      p,
	}
}

// Reply returns the last reply recorded for the command.
func (f *Fixture) Reply(t *testing.T, cmd *channel.Message) *channel.Message {
	var last *channel.Message
	for _, o := range f.Store.Outbox() {
		if o.Destination != cmd.ReplyChannel {
			continue
		}
		var m channel.Message
		require.NoError(t, json.Unmarshal(o.Payload, &m))
		if m.CommandID == cmd.ID {
			last = &m
		}
	}
	require.NotNil(t, last, "no reply to %s '%s'", cmd.Type, cmd.ID)
	return last
}

// Events returns the types of the domain events recorded by aggregates of
// aggregateType, in creation order.
func (f *Fixture) Events(aggregateType string) []string {
	var res []string
	for _, o := range f.records(aggregateType) {
		res = append(res, o.PayloadType)
	}
	return res
}

// Event decodes the last event of eventType recorded by aggregateType.
func (f *Fixture) Event(t *testing.T, aggregateType string, eventType string, v any) {
	var found *repository.OutboxRecord
	for _, o := range f.records(aggregateType) {
		if o.PayloadType == eventType {
			o := o
			found = &o
		}
	}
	require.NotNil(t, found, "no %s event", eventType)
	require.NoError(t, json.Unmarshal(found.Payload, v))
}

func (f *Fixture) records(aggregateType string) []repository.OutboxRecord {
	var res []repository.OutboxRecord
	topic := outbox.EventTopic(aggregateType)
	for _, o := range f.Store.Outbox() {
		if o.AggregateType == aggregateType && o.Destination == topic {
			res = append(res, o)
		}
	}
	return res
}
