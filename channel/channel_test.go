package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/3rs4lg4d0/gosaga/broker"
	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	aggregateType string
	aggregateId   string
	event         outbox.Event
}

type fakeRecorder struct {
	records []recorded
	err     error
}

func (r *fakeRecorder) RecordForPublish(_ context.Context, aggregateType string, aggregateId string, events ...outbox.Event) error {
	if r.err != nil {
		return r.err
	}
	for _, e := range events {
		r.records = append(r.records, recorded{aggregateType, aggregateId, e})
	}
	return nil
}

type fakeSubscriber struct {
	topic   string
	group   string
	handler broker.Handler
}

func (s *fakeSubscriber) Subscribe(_ context.Context, topic string, group string, h broker.Handler) error {
	s.topic, s.group, s.handler = topic, group, h
	return nil
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "kitchen-service", CommandChannel("Kitchen"))
	assert.Equal(t, "create-order-saga-reply", ReplyChannel("CreateOrderSaga"))
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(nil, &fakeSubscriber{}) })
	assert.Panics(t, func() { New(&fakeRecorder{}, nil) })
	assert.NotPanics(t, func() { New(&fakeRecorder{}, &fakeSubscriber{}) })
}

func TestSend(t *testing.T) {
	type args struct {
		cmd *Message
	}
	testcases := []struct {
		name      string
		args      args
		recErr    error
		expectErr bool
	}{
		{
			name: "command recorded in the outbox",
			args: args{
				cmd: &Message{
					Type:         "CreateTicket",
					SagaID:       "s1",
					SagaType:     "CreateOrderSaga",
					StepIndex:    2,
					Destination:  "kitchen-service",
					ReplyChannel: "create-order-saga-reply",
					Payload:      json.RawMessage(`{"orderId":"o1"}`),
				},
			},
		},
		{
			name: "command without destination",
			args: args{
				cmd: &Message{Type: "CreateTicket"},
			},
			expectErr: true,
		},
		{
			name: "outbox failure",
			args: args{
				cmd: &Message{Type: "CreateTicket", Destination: "kitchen-service"},
			},
			recErr:    errors.New("no tx"),
			expectErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRecorder{err: tc.recErr}
			c := New(r, &fakeSubscriber{})
			err := c.Send(context.Background(), tc.args.cmd)
			test.AssertError(t, err, tc.expectErr)
			if tc.expectErr {
				return
			}
			require.Len(t, r.records, 1)
			rec := r.records[0]
			assert.Equal(t, "CreateOrderSaga", rec.aggregateType)
			assert.Equal(t, "s1", rec.aggregateId)
			assert.Equal(t, "kitchen-service", rec.event.Destination)
			assert.Equal(t, "CreateTicket", rec.event.Type)

			var sent Message
			require.NoError(t, json.Unmarshal(rec.event.Payload, &sent))
			assert.NotEmpty(t, sent.ID)
			assert.Equal(t, KindCommand, sent.Kind)
			assert.Equal(t, 2, sent.StepIndex)
			assert.JSONEq(t, `{"orderId":"o1"}`, string(sent.Payload))
		})
	}
}

func TestReply(t *testing.T) {
	r := &fakeRecorder{}
	c := New(r, &fakeSubscriber{})
	cmd := &Message{
		ID:           "c1",
		Kind:         KindCommand,
		Type:         "AuthorizeCard",
		SagaID:       "s1",
		SagaType:     "CreateOrderSaga",
		StepIndex:    3,
		Destination:  "accounting-service",
		ReplyChannel: "create-order-saga-reply",
	}

	reply, err := c.Reply(context.Background(), cmd, Failure, "insufficient funds", nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", reply.CommandID)
	assert.Equal(t, "create-order-saga-reply", reply.Destination)
	assert.Equal(t, 3, reply.StepIndex)
	assert.False(t, reply.Succeeded())
	require.Len(t, r.records, 1)
	assert.Equal(t, "create-order-saga-reply", r.records[0].event.Destination)

	_, err = c.Reply(context.Background(), &Message{Type: "X"}, Success, "", nil)
	assert.Error(t, err)
}

func TestSubscribe(t *testing.T) {
	s := &fakeSubscriber{}
	c := New(&fakeRecorder{}, s)
	var got *Message
	require.NoError(t, c.Subscribe(context.Background(), "kitchen-service", "kitchen", func(_ context.Context, m *Message) error {
		got = m
		return nil
	}))
	assert.Equal(t, "kitchen-service", s.topic)
	assert.Equal(t, "kitchen", s.group)

	err := s.handler(context.Background(), &broker.Message{Payload: []byte(`{"id":"c1","type":"CreateTicket","kind":"command","stepIndex":2,"destination":"kitchen-service"}`)})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CreateTicket", got.Type)
	assert.Equal(t, 2, got.StepIndex)

	// poison messages are acknowledged
	got = nil
	err = s.handler(context.Background(), &broker.Message{ID: "x", Payload: []byte(`not json`)})
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestEncode(t *testing.T) {
	p, err := Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Encode(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(p))

	p, err = Encode([]byte(`{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(p))
}
