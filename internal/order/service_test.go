package order_test

import (
	"context"
	"errors"
	"testing"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/internal/order"
	"github.com/3rs4lg4d0/gosaga/internal/restaurant"
	"github.com/3rs4lg4d0/gosaga/internal/sagas"
	"github.com/3rs4lg4d0/gosaga/internal/servicetest"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type started struct {
	sagaType string
	data     any
}

type fakeStarter struct {
	err     error
	started []started
}

func (s *fakeStarter) Start(_ context.Context, sagaType string, data any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.started = append(s.started, started{sagaType, data})
	return "saga-1", nil
}

type fixture struct {
	*servicetest.Fixture
	starter    *fakeStarter
	svc        *order.Service
	dispatcher *participant.Dispatcher
	restaurant *restaurant.Restaurant
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{Fixture: servicetest.New(), starter: &fakeStarter{}}
	rs := restaurant.NewService(f.Store, f.Store.Aggregates(), f.Outbox)
	r, err := rs.Create(context.Background(), "Ajanta", contracts.Address{City: "Oakland"}, []contracts.MenuItem{
		{ID: "chicken-vindaloo", Name: "Chicken Vindaloo", Price: 1234},
	})
	require.NoError(t, err)
	f.restaurant = r
	f.svc = order.NewService(f.Store, f.Store.Aggregates(), f.Outbox, rs, f.starter, order.WithOrderMinimum(1000))
	f.dispatcher = f.Dispatcher(contracts.OrderService)
	f.svc.Register(f.dispatcher)
	return f
}

func (f *fixture) place(t *testing.T, quantity int) *order.Order {
	o, sagaID, err := f.svc.CreateOrder(context.Background(), "c1", f.restaurant.ID, contracts.DeliveryInformation{}, []order.MenuItemQuantity{
		{MenuItemID: "chicken-vindaloo", Quantity: quantity},
	})
	require.NoError(t, err)
	assert.Equal(t, "saga-1", sagaID)
	return o
}

func (f *fixture) dispatch(t *testing.T, cmdType string, payload any) *channel.Message {
	cmd := servicetest.Command(t, contracts.OrderService, cmdType, payload)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), cmd))
	return f.Reply(t, cmd)
}

func (f *fixture) state(t *testing.T, id string) order.State {
	o, _, err := f.svc.Find(context.Background(), id)
	require.NoError(t, err)
	return o.State
}

func TestNewServicePanics(t *testing.T) {
	assert.Panics(t, func() { order.NewService(nil, nil, nil, nil, nil) })
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)

	assert.Equal(t, order.ApprovalPending, f.state(t, o.ID))
	assert.Equal(t, []string{contracts.OrderCreated}, f.Events(contracts.OrderAggregate))

	require.Len(t, f.starter.started, 1)
	assert.Equal(t, sagas.CreateOrderSaga, f.starter.started[0].sagaType)
	assert.Equal(t, sagas.CreateOrderData{
		OrderID:      o.ID,
		ConsumerID:   "c1",
		RestaurantID: f.restaurant.ID,
		LineItems:    []contracts.TicketLineItem{{MenuItemID: "chicken-vindaloo", Name: "Chicken Vindaloo", Quantity: 2}},
		OrderTotal:   2468,
	}, f.starter.started[0].data)
}

func TestCreateOrderErrors(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.CreateOrder(context.Background(), "c1", "nowhere", contracts.DeliveryInformation{}, []order.MenuItemQuantity{{MenuItemID: "x", Quantity: 1}})
	assert.ErrorIs(t, err, aggregate.ErrNotFound)

	f.starter.err = errors.New("no saga today")
	_, _, err = f.svc.CreateOrder(context.Background(), "c1", f.restaurant.ID, contracts.DeliveryInformation{}, []order.MenuItemQuantity{{MenuItemID: "chicken-vindaloo", Quantity: 1}})
	assert.EqualError(t, err, "no saga today")
	assert.Empty(t, f.Events(contracts.OrderAggregate), "the order write rolls back with the saga start")
}

func TestCancelAndReviseOrder(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)

	_, err := f.svc.CancelOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, aggregate.ErrInvalidTransition, "pending orders cannot be cancelled")
	_, err = f.svc.ReviseOrder(context.Background(), o.ID, contracts.OrderRevision{})
	assert.ErrorIs(t, err, aggregate.ErrInvalidTransition)
	assert.Len(t, f.starter.started, 1)

	assert.True(t, f.dispatch(t, contracts.ApproveOrder, contracts.OrderCommand{OrderID: o.ID}).Succeeded())

	_, err = f.svc.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)
	rev := contracts.OrderRevision{RevisedLineItemQuantities: map[string]int{"chicken-vindaloo": 3}}
	_, err = f.svc.ReviseOrder(context.Background(), o.ID, rev)
	require.NoError(t, err)

	require.Len(t, f.starter.started, 3)
	assert.Equal(t, sagas.CancelOrderSaga, f.starter.started[1].sagaType)
	assert.Equal(t, sagas.CancelOrderData{OrderID: o.ID, ConsumerID: "c1", RestaurantID: f.restaurant.ID, OrderTotal: 2468}, f.starter.started[1].data)
	assert.Equal(t, sagas.ReviseOrderSaga, f.starter.started[2].sagaType)
	assert.Equal(t, sagas.ReviseOrderData{OrderID: o.ID, ConsumerID: "c1", RestaurantID: f.restaurant.ID, Revision: rev}, f.starter.started[2].data)
	assert.Equal(t, order.Approved, f.state(t, o.ID), "sagas change the order, not their start")
}

func TestCommandHandlers(t *testing.T) {
	type args struct {
		commands []string
	}

	testcases := []struct {
		name        string
		args        args
		wantOutcome channel.Outcome
		wantState   order.State
		wantEvents  []string
	}{
		{
			name:        "approve",
			args:        args{[]string{contracts.ApproveOrder}},
			wantOutcome: channel.Success,
			wantState:   order.Approved,
			wantEvents:  []string{contracts.OrderCreated, contracts.OrderAuthorized},
		},
		{
			name:        "reject",
			args:        args{[]string{contracts.RejectOrder}},
			wantOutcome: channel.Success,
			wantState:   order.Rejected,
			wantEvents:  []string{contracts.OrderCreated, contracts.OrderRejected},
		},
		{
			name:        "cancel then confirm",
			args:        args{[]string{contracts.ApproveOrder, contracts.BeginCancel, contracts.ConfirmCancelOrder}},
			wantOutcome: channel.Success,
			wantState:   order.Cancelled,
			wantEvents:  []string{contracts.OrderCreated, contracts.OrderAuthorized, contracts.OrderCancelled},
		},
		{
			name:        "cancel then undo",
			args:        args{[]string{contracts.ApproveOrder, contracts.BeginCancel, contracts.UndoBeginCancel}},
			wantOutcome: channel.Success,
			wantState:   order.Approved,
			wantEvents:  []string{contracts.OrderCreated, contracts.OrderAuthorized},
		},
		{
			name:        "begin cancel a pending order",
			args:        args{[]string{contracts.BeginCancel}},
			wantOutcome: channel.Failure,
			wantState:   order.ApprovalPending,
			wantEvents:  []string{contracts.OrderCreated},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.place(t, 1)

			var last *channel.Message
			for _, c := range tc.args.commands {
				last = f.dispatch(t, c, contracts.OrderCommand{OrderID: o.ID})
			}
			assert.Equal(t, tc.wantOutcome, last.Outcome)
			assert.Equal(t, tc.wantState, f.state(t, o.ID))
			assert.Equal(t, tc.wantEvents, f.Events(contracts.OrderAggregate))
		})
	}
}

func TestUnknownOrderFails(t *testing.T) {
	f := newFixture(t)
	reply := f.dispatch(t, contracts.ApproveOrder, contracts.OrderCommand{OrderID: "missing"})
	assert.Equal(t, channel.Failure, reply.Outcome)
	assert.Contains(t, reply.Reason, "not found")
}

func TestReviseHandlers(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, 2)
	f.dispatch(t, contracts.ApproveOrder, contracts.OrderCommand{OrderID: o.ID})

	below := contracts.ReviseOrderCommand{OrderID: o.ID, Revision: contracts.OrderRevision{RevisedLineItemQuantities: map[string]int{"chicken-vindaloo": 0}}}
	reply := f.dispatch(t, contracts.BeginReviseOrder, below)
	assert.Equal(t, channel.Failure, reply.Outcome)
	assert.Contains(t, reply.Reason, order.ErrOrderMinimumNotMet.Error())
	assert.Equal(t, order.Approved, f.state(t, o.ID))

	more := contracts.ReviseOrderCommand{OrderID: o.ID, Revision: contracts.OrderRevision{RevisedLineItemQuantities: map[string]int{"chicken-vindaloo": 3}}}
	reply = f.dispatch(t, contracts.BeginReviseOrder, more)
	require.True(t, reply.Succeeded())
	var r contracts.BeginReviseOrderReply
	require.NoError(t, reply.Decode(&r))
	assert.Equal(t, contracts.Money(3*1234), r.RevisedOrderTotal)
	assert.Equal(t, order.RevisionPending, f.state(t, o.ID))

	require.True(t, f.dispatch(t, contracts.ConfirmReviseOrder, more).Succeeded())
	revised, _, err := f.svc.Find(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Approved, revised.State)
	assert.Equal(t, contracts.Money(3*1234), revised.Total())

	var ev contracts.OrderRevisedEvent
	f.Event(t, contracts.OrderAggregate, contracts.OrderRevised, &ev)
	assert.Equal(t, contracts.Money(3*1234), ev.NewTotal)
}
