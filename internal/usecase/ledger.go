package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/internal/repo"
)

// Ledger ведет идемпотентный учет побочных эффектов саги: платежи,
// проекцию заказа и журнал событий
type Ledger struct {
	orderRepo   repo.OrderRepository
	paymentRepo repo.PaymentRepository
	eventRepo   repo.EventRepository
}

func NewLedger(orderRepo repo.OrderRepository, paymentRepo repo.PaymentRepository, eventRepo repo.EventRepository) *Ledger {
	return &Ledger{
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		eventRepo:   eventRepo,
	}
}

// RecordCharge фиксирует списание. Повторный вызов с тем же paymentID
// не создает второй платеж и возвращает alreadyCharged=true.
func (l *Ledger) RecordCharge(ctx context.Context, paymentID, orderID string, amount int64) (bool, error) {
	payment := &entity.Payment{
		PaymentID: paymentID,
		OrderID:   orderID,
		Status:    entity.PaymentStatusCharged,
		Amount:    amount,
	}
	already, err := l.paymentRepo.InsertIfAbsent(ctx, payment)
	if err != nil {
		return false, fmt.Errorf("ошибка записи платежа %s: %w", paymentID, err)
	}
	return already, nil
}

// AppendEvent добавляет событие в журнал заказа
func (l *Ledger) AppendEvent(ctx context.Context, orderID, eventType string, payload interface{}) error {
	var body datatypes.JSON
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
		}
		body = datatypes.JSON(raw)
	}

	event := &entity.Event{
		OrderID: orderID,
		Type:    eventType,
		Payload: body,
	}
	if err := l.eventRepo.Append(ctx, event); err != nil {
		return fmt.Errorf("ошибка записи события %s: %w", eventType, err)
	}
	return nil
}

// ProjectOrder создает проекцию заказа в начальном состоянии.
// Повторный вызов для того же заказа безопасен.
func (l *Ledger) ProjectOrder(ctx context.Context, orderID string, address map[string]interface{}) error {
	order := &entity.Order{
		ID:    orderID,
		State: entity.OrderStateReceived,
	}
	if address != nil {
		raw, err := json.Marshal(address)
		if err != nil {
			return fmt.Errorf("ошибка сериализации адреса заказа %s: %w", orderID, err)
		}
		order.Address = datatypes.JSON(raw)
	}
	return l.orderRepo.CreateIfAbsent(ctx, order)
}

// UpdateOrderState переводит проекцию заказа в новое состояние
func (l *Ledger) UpdateOrderState(ctx context.Context, orderID string, state entity.OrderState) error {
	return l.orderRepo.UpdateState(ctx, orderID, state)
}

// UpdateOrderAddress обновляет адрес доставки в проекции заказа
func (l *Ledger) UpdateOrderAddress(ctx context.Context, orderID string, address map[string]interface{}) error {
	raw, err := json.Marshal(address)
	if err != nil {
		return fmt.Errorf("ошибка сериализации адреса заказа %s: %w", orderID, err)
	}
	return l.orderRepo.UpdateAddress(ctx, orderID, datatypes.JSON(raw))
}

// GetOrder возвращает текущую проекцию заказа
func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*entity.Order, error) {
	return l.orderRepo.GetByID(ctx, orderID)
}

// RecentEvents возвращает последние события заказа, новые первыми
func (l *Ledger) RecentEvents(ctx context.Context, orderID string, limit int) ([]entity.Event, error) {
	return l.eventRepo.GetRecent(ctx, orderID, limit)
}
