package sagas

import (
	"encoding/json"
	"testing"

	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/internal/contracts"
	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepView struct {
	participant  string
	action       string
	compensation string
}

func view[D any](d *saga.Definition[D]) []stepView {
	res := make([]stepView, 0, len(d.Steps))
	for _, s := range d.Steps {
		res = append(res, stepView{s.Participant, s.Action, s.Compensation})
	}
	return res
}

func TestDefinitions(t *testing.T) {
	type args struct {
		steps []stepView
		err   error
	}
	validate := func(v interface{ Validate() error }) error { return v.Validate() }

	testcases := []struct {
		name string
		args args
		want []stepView
	}{
		{
			name: "create order",
			args: args{view(CreateOrder()), validate(CreateOrder())},
			want: []stepView{
				{contracts.OrderService, "", contracts.RejectOrder},
				{contracts.ConsumerService, contracts.ValidateOrderByConsumer, ""},
				{contracts.KitchenService, contracts.CreateTicket, contracts.CancelCreateTicket},
				{contracts.AccountingService, contracts.AuthorizeCard, ""},
				{contracts.KitchenService, contracts.ConfirmCreateTicket, ""},
				{contracts.OrderService, contracts.ApproveOrder, ""},
			},
		},
		{
			name: "cancel order",
			args: args{view(CancelOrder()), validate(CancelOrder())},
			want: []stepView{
				{contracts.OrderService, contracts.BeginCancel, contracts.UndoBeginCancel},
				{contracts.KitchenService, contracts.BeginCancelTicket, contracts.UndoBeginCancelTicket},
				{contracts.AccountingService, contracts.ReverseAuthorization, ""},
				{contracts.KitchenService, contracts.ConfirmCancelTicket, ""},
				{contracts.OrderService, contracts.ConfirmCancelOrder, ""},
			},
		},
		{
			name: "revise order",
			args: args{view(ReviseOrder()), validate(ReviseOrder())},
			want: []stepView{
				{contracts.OrderService, contracts.BeginReviseOrder, contracts.UndoBeginReviseOrder},
				{contracts.KitchenService, contracts.BeginReviseTicket, contracts.UndoBeginReviseTicket},
				{contracts.AccountingService, contracts.ReviseAuthorization, ""},
				{contracts.KitchenService, contracts.ConfirmReviseTicket, ""},
				{contracts.OrderService, contracts.ConfirmReviseOrder, ""},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.args.err)
			assert.Equal(t, tc.want, tc.args.steps)
		})
	}
}

func TestAllHaveDistinctTypes(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range All() {
		assert.False(t, seen[s.SagaType()], s.SagaType())
		seen[s.SagaType()] = true
	}
	assert.Len(t, seen, 3)
}

func TestCreateTicketReplyFillsTicketID(t *testing.T) {
	d := CreateOrder()
	data := &CreateOrderData{OrderID: "o1", RestaurantID: "r1"}
	reply := &channel.Message{Payload: json.RawMessage(`{"ticketId":"o1"}`)}

	require.NoError(t, d.Steps[2].OnSuccess(data, reply))
	assert.Equal(t, "o1", data.TicketID)

	assert.Equal(t, contracts.TicketCommand{RestaurantID: "r1", OrderID: "o1"}, d.Steps[2].CompensationPayload(data))
	assert.Error(t, d.Steps[2].OnSuccess(data, &channel.Message{Payload: json.RawMessage(`[`)}))
}

func TestReviseAuthorizationUsesRevisedTotal(t *testing.T) {
	d := ReviseOrder()
	data := &ReviseOrderData{OrderID: "o1", ConsumerID: "c1"}
	reply := &channel.Message{Payload: json.RawMessage(`{"revisedOrderTotal":2500}`)}

	require.NoError(t, d.Steps[0].OnSuccess(data, reply))
	assert.Equal(t, contracts.Money(2500), data.RevisedOrderTotal)
	assert.Equal(t, contracts.AuthorizeCommand{ConsumerID: "c1", OrderID: "o1", OrderTotal: 2500}, d.Steps[2].ActionPayload(data))
}
