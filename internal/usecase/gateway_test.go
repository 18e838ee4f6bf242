package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/director74/dz9_saga/internal/entity"
)

func newTestGateway(t *testing.T) (*SimulatedGateway, *Ledger) {
	t.Helper()
	ledger, _ := newTestLedger(t)
	return NewSimulatedGateway(ledger, nil), ledger
}

func TestReceiveOrderDefaultsItems(t *testing.T) {
	gateway, ledger := newTestGateway(t)
	ctx := context.Background()

	order, err := gateway.ReceiveOrder(ctx, "order-1", nil, map[string]interface{}{"city": "Казань"})
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "ABC", order.Items[0].SKU)
	assert.Equal(t, 1, order.Items[0].Qty)

	projected, err := ledger.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStateReceived, projected.State)

	events, err := ledger.RecentEvents(ctx, "order-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, entity.EventOrderReceived, events[0].Type)
}

func TestValidateOrderNoItems(t *testing.T) {
	gateway, ledger := newTestGateway(t)
	ctx := context.Background()

	_, err := gateway.ReceiveOrder(ctx, "order-1", nil, nil)
	require.NoError(t, err)

	err = gateway.ValidateOrder(ctx, &MaterializedOrder{OrderID: "order-1", Items: nil})
	assert.ErrorIs(t, err, ErrNoItems)

	events, err := ledger.RecentEvents(ctx, "order-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, entity.EventValidationFailed, events[0].Type)
	assert.Contains(t, string(events[0].Payload), "no_items")
}

func TestValidateOrderSuccess(t *testing.T) {
	gateway, ledger := newTestGateway(t)
	ctx := context.Background()

	order, err := gateway.ReceiveOrder(ctx, "order-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, gateway.ValidateOrder(ctx, order))

	projected, err := ledger.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStateValidated, projected.State)
}

func TestChargePaymentAmountAndIdempotency(t *testing.T) {
	gateway, ledger := newTestGateway(t)
	ctx := context.Background()

	order := &MaterializedOrder{
		OrderID: "order-1",
		Items: []entity.OrderItem{
			{SKU: "ABC", Qty: 2},
			{SKU: "DEF", Qty: 3},
		},
	}
	_, err := gateway.ReceiveOrder(ctx, "order-1", order.Items, nil)
	require.NoError(t, err)

	first, err := gateway.ChargePayment(ctx, "pay-1", order)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.Amount)
	assert.False(t, first.AlreadyCharged)

	second, err := gateway.ChargePayment(ctx, "pay-1", order)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Amount, second.Amount)
	assert.True(t, second.AlreadyCharged)

	// Два события о списании допустимы, платеж при этом один
	events, err := ledger.RecentEvents(ctx, "order-1", 10)
	require.NoError(t, err)
	var charged int
	for _, ev := range events {
		if ev.Type == entity.EventPaymentCharged {
			charged++
		}
	}
	assert.Equal(t, 2, charged)
}

func TestMarkShippedUpdatesState(t *testing.T) {
	gateway, ledger := newTestGateway(t)
	ctx := context.Background()

	_, err := gateway.ReceiveOrder(ctx, "order-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, gateway.MarkShipped(ctx, "order-1"))

	projected, err := ledger.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStateShipped, projected.State)
}

func TestFaultInjectorAlwaysFails(t *testing.T) {
	faults := NewFaultInjector(1.0, 0, time.Second, 7)

	err := faults.FlakyCall(context.Background(), "dispatch_carrier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch_carrier")
}

func TestFaultInjectorTimeoutRespectsContext(t *testing.T) {
	faults := NewFaultInjector(0, 1.0, time.Minute, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := faults.FlakyCall(ctx, "charge_payment")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFaultInjectorNilIsReliable(t *testing.T) {
	var faults *FaultInjector
	assert.NoError(t, faults.FlakyCall(context.Background(), "any"))
}
