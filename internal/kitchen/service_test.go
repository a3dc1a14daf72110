package kitchen_test

import (
	"context"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/kitchen"
	"github.com/3rs4lg4d0/gosaga/internal/servicetest"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	*servicetest.Fixture
	svc        *kitchen.Service
	dispatcher *participant.Dispatcher
}

func newFixture() *fixture {
	f := &fixture{Fixture: servicetest.New()}
	f.svc = kitchen.NewService(f.Store, f.Store.Aggregates(), f.Outbox, kitchen.WithClock(func() time.Time { return now }))
	f.dispatcher = f.Dispatcher(contracts.KitchenService)
	f.svc.Register(f.dispatcher)
	return f
}

func (f *fixture) dispatch(t *testing.T, cmdType string, payload any) *channel.Message {
	cmd := servicetest.Command(t, contracts.KitchenService, cmdType, payload)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), cmd))
	return f.Reply(t, cmd)
}

func (f *fixture) create(t *testing.T) {
	reply := f.dispatch(t, contracts.CreateTicket, contracts.CreateTicketCommand{
		RestaurantID: "r1",
		OrderID:      "o1",
		LineItems:    []contracts.TicketLineItem{{MenuItemID: "naan", Name: "Naan", Quantity: 2}},
	})
	require.True(t, reply.Succeeded())
	var r contracts.CreateTicketReply
	require.NoError(t, reply.Decode(&r))
	assert.Equal(t, "o1", r.TicketID)
}

func (f *fixture) state(t *testing.T) kitchen.State {
	tk, _, err := f.svc.Find(context.Background(), "o1")
	require.NoError(t, err)
	return tk.State
}

func TestNewServicePanics(t *testing.T) {
	assert.Panics(t, func() { kitchen.NewService(nil, nil, nil) })
}

func TestCreateTicket(t *testing.T) {
	f := newFixture()
	f.create(t)
	assert.Equal(t, kitchen.CreatePending, f.state(t))
	assert.Equal(t, []string{contracts.TicketCreated}, f.Events(contracts.TicketAggregate))

	again := f.dispatch(t, contracts.CreateTicket, contracts.CreateTicketCommand{RestaurantID: "r1", OrderID: "o1"})
	assert.Equal(t, channel.Failure, again.Outcome, "a second command for the same order is rejected")
}

func TestCommandSequences(t *testing.T) {
	type args struct {
		commands []string
	}
	ticket := contracts.TicketCommand{RestaurantID: "r1", OrderID: "o1"}

	testcases := []struct {
		name        string
		args        args
		wantOutcome channel.Outcome
		wantState   kitchen.State
	}{
		{"confirm create", args{[]string{contracts.ConfirmCreateTicket}}, channel.Success, kitchen.AwaitingAcceptance},
		{"cancel create", args{[]string{contracts.CancelCreateTicket}}, channel.Success, kitchen.Cancelled},
		{"cancel", args{[]string{contracts.ConfirmCreateTicket, contracts.BeginCancelTicket, contracts.ConfirmCancelTicket}}, channel.Success, kitchen.Cancelled},
		{"undo cancel", args{[]string{contracts.ConfirmCreateTicket, contracts.BeginCancelTicket, contracts.UndoBeginCancelTicket}}, channel.Success, kitchen.AwaitingAcceptance},
		{"cancel before confirmation", args{[]string{contracts.BeginCancelTicket}}, channel.Failure, kitchen.CreatePending},
		{"unknown command", args{[]string{"BakeCake"}}, channel.Failure, kitchen.CreatePending},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.create(t)
			var last *channel.Message
			for _, c := range tc.args.commands {
				last = f.dispatch(t, c, ticket)
			}
			assert.Equal(t, tc.wantOutcome, last.Outcome)
			assert.Equal(t, tc.wantState, f.state(t))
		})
	}
}

func TestReviseTicket(t *testing.T) {
	f := newFixture()
	f.create(t)
	f.dispatch(t, contracts.ConfirmCreateTicket, contracts.TicketCommand{OrderID: "o1"})

	unknown := f.dispatch(t, contracts.BeginReviseTicket, contracts.BeginReviseTicketCommand{OrderID: "o1", RevisedLineItemQuantities: map[string]int{"pizza": 1}})
	assert.Equal(t, channel.Failure, unknown.Outcome)

	require.True(t, f.dispatch(t, contracts.BeginReviseTicket, contracts.BeginReviseTicketCommand{OrderID: "o1", RevisedLineItemQuantities: map[string]int{"naan": 3}}).Succeeded())
	require.True(t, f.dispatch(t, contracts.ConfirmReviseTicket, contracts.TicketCommand{OrderID: "o1"}).Succeeded())

	tk, _, err := f.svc.Find(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, kitchen.AwaitingAcceptance, tk.State)
	assert.Equal(t, 3, tk.LineItems[0].Quantity)
}

func TestStaffOperations(t *testing.T) {
	f := newFixture()
	f.create(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Accept(ctx, "o1", now), aggregate.ErrInvalidTransition, "not confirmed yet")
	f.dispatch(t, contracts.ConfirmCreateTicket, contracts.TicketCommand{OrderID: "o1"})

	readyBy := now.Add(30 * time.Minute)
	require.NoError(t, f.svc.Accept(ctx, "o1", readyBy))
	require.NoError(t, f.svc.Preparing(ctx, "o1"))
	require.NoError(t, f.svc.ReadyForPickup(ctx, "o1"))
	require.NoError(t, f.svc.PickedUp(ctx, "o1"))
	assert.ErrorIs(t, f.svc.Accept(ctx, "missing", readyBy), aggregate.ErrNotFound)

	assert.Equal(t, kitchen.PickedUp, f.state(t))
	assert.Equal(t, []string{
		contracts.TicketCreated,
		contracts.TicketAccepted,
		contracts.TicketPreparationStarted,
		contracts.TicketReadyForPickup,
		contracts.TicketPickedUp,
	}, f.Events(contracts.TicketAggregate))

	var accepted contracts.TicketEvent
	f.Event(t, contracts.TicketAggregate, contracts.TicketAccepted, &accepted)
	require.NotNil(t, accepted.ReadyBy)
	assert.True(t, readyBy.Equal(*accepted.ReadyBy))
}
