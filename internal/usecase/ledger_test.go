package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/internal/repo"
)

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&entity.Order{}, &entity.Payment{}, &entity.Event{}))

	ledger := NewLedger(repo.NewOrderRepository(db), repo.NewPaymentRepository(db), repo.NewEventRepository(db))
	return ledger, db
}

func TestRecordChargeIdempotent(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	already, err := ledger.RecordCharge(ctx, "pay-1", "order-1", 3)
	require.NoError(t, err)
	assert.False(t, already)

	// Повторное списание с тем же payment_id не выполняется
	already, err = ledger.RecordCharge(ctx, "pay-1", "order-1", 3)
	require.NoError(t, err)
	assert.True(t, already)

	var count int64
	require.NoError(t, db.Model(&entity.Payment{}).Where("payment_id = ?", "pay-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var payment entity.Payment
	require.NoError(t, db.First(&payment, "payment_id = ?", "pay-1").Error)
	assert.Equal(t, int64(3), payment.Amount)
	assert.Equal(t, entity.PaymentStatusCharged, payment.Status)
}

func TestProjectOrderIdempotent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.ProjectOrder(ctx, "order-1", map[string]interface{}{"city": "Москва"}))
	require.NoError(t, ledger.ProjectOrder(ctx, "order-1", nil))

	order, err := ledger.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStateReceived, order.State)
	// Повторная вставка не затирает первую запись
	assert.Contains(t, string(order.Address), "Москва")
}

func TestUpdateOrderStateAndAddress(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.ProjectOrder(ctx, "order-1", nil))
	require.NoError(t, ledger.UpdateOrderState(ctx, "order-1", entity.OrderStateValidated))
	require.NoError(t, ledger.UpdateOrderAddress(ctx, "order-1", map[string]interface{}{"street": "Ленина, 1"}))

	order, err := ledger.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStateValidated, order.State)
	assert.Contains(t, string(order.Address), "Ленина")

	err = ledger.UpdateOrderState(ctx, "order-absent", entity.OrderStateCancelled)
	assert.ErrorIs(t, err, repo.ErrOrderNotFound)
}

func TestAppendEventNeverDeduplicated(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.AppendEvent(ctx, "order-1", entity.EventDispatchFailed, map[string]string{"reason": "carrier down"}))
	}

	events, err := ledger.RecentEvents(ctx, "order-1", 20)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, entity.EventDispatchFailed, ev.Type)
	}
}

func TestRecentEventsLimitAndOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.AppendEvent(ctx, "order-1", fmt.Sprintf("event_%d", i), nil))
	}
	require.NoError(t, ledger.AppendEvent(ctx, "order-2", "other_order", nil))

	events, err := ledger.RecentEvents(ctx, "order-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Новые события идут первыми
	assert.Equal(t, "event_4", events[0].Type)
	assert.Equal(t, "event_3", events[1].Type)
	assert.Equal(t, "event_2", events[2].Type)
}
