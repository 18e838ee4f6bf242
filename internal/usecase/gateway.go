package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/director74/dz9_saga/internal/entity"
)

// ErrNoItems заказ без позиций не проходит валидацию
var ErrNoItems = errors.New("в заказе нет позиций")

// FaultInjector управляемо вносит сбои во внешние вызовы. Генератор
// случайных чисел сидируется явно, чтобы поведение было воспроизводимым.
type FaultInjector struct {
	mu           sync.Mutex
	rng          *rand.Rand
	failureRate  float64
	timeoutRate  float64
	timeoutDelay time.Duration
}

// NewFaultInjector создает инжектор сбоев; нулевые вероятности означают
// полностью надежный внешний мир
func NewFaultInjector(failureRate, timeoutRate float64, timeoutDelay time.Duration, seed int64) *FaultInjector {
	if timeoutDelay <= 0 {
		timeoutDelay = 5 * time.Second
	}
	return &FaultInjector{
		rng:          rand.New(rand.NewSource(seed)),
		failureRate:  failureRate,
		timeoutRate:  timeoutRate,
		timeoutDelay: timeoutDelay,
	}
}

// FlakyCall имитирует один вызов внешней системы: может вернуть ошибку
// или зависнуть до таймаута контекста. Нулевой инжектор всегда успешен.
func (f *FaultInjector) FlakyCall(ctx context.Context, operation string) error {
	if f == nil {
		return nil
	}

	f.mu.Lock()
	roll := f.rng.Float64()
	f.mu.Unlock()

	if roll < f.timeoutRate {
		select {
		case <-time.After(f.timeoutDelay):
			return fmt.Errorf("вызов %s превысил время ожидания", operation)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if roll < f.timeoutRate+f.failureRate {
		return fmt.Errorf("внешняя система отклонила вызов %s", operation)
	}
	return nil
}

// MaterializedOrder заказ, полученный от внешней системы приема
type MaterializedOrder struct {
	OrderID string                 `json:"order_id"`
	Items   []entity.OrderItem     `json:"items"`
	Address map[string]interface{} `json:"address,omitempty"`
}

// ChargeResult итог списания средств
type ChargeResult struct {
	Status         string `json:"status"`
	PaymentID      string `json:"payment_id"`
	Amount         int64  `json:"amount"`
	AlreadyCharged bool   `json:"already_charged"`
}

// ExternalGateway шлюз к внешним системам: прием заказа, валидация,
// биллинг и отгрузка. Каждая операция пишет след в журнал событий.
type ExternalGateway interface {
	ReceiveOrder(ctx context.Context, orderID string, items []entity.OrderItem, address map[string]interface{}) (*MaterializedOrder, error)
	ValidateOrder(ctx context.Context, order *MaterializedOrder) error
	ChargePayment(ctx context.Context, paymentID string, order *MaterializedOrder) (*ChargeResult, error)
	PreparePackage(ctx context.Context, orderID string) error
	DispatchCarrier(ctx context.Context, orderID string) error
	MarkShipped(ctx context.Context, orderID string) error
}

// SimulatedGateway реализация шлюза поверх леджера с инжекцией сбоев
type SimulatedGateway struct {
	ledger *Ledger
	faults *FaultInjector
}

func NewSimulatedGateway(ledger *Ledger, faults *FaultInjector) *SimulatedGateway {
	return &SimulatedGateway{
		ledger: ledger,
		faults: faults,
	}
}

// ReceiveOrder принимает заказ. Пустой список позиций заменяется
// позицией по умолчанию, как это делает система приема.
func (g *SimulatedGateway) ReceiveOrder(ctx context.Context, orderID string, items []entity.OrderItem, address map[string]interface{}) (*MaterializedOrder, error) {
	if err := g.faults.FlakyCall(ctx, "receive_order"); err != nil {
		return nil, err
	}

	if len(items) == 0 {
		items = []entity.OrderItem{{SKU: "ABC", Qty: 1}}
	}
	order := &MaterializedOrder{
		OrderID: orderID,
		Items:   items,
		Address: address,
	}

	if err := g.ledger.ProjectOrder(ctx, orderID, address); err != nil {
		return nil, err
	}
	if err := g.ledger.AppendEvent(ctx, orderID, entity.EventOrderReceived, map[string]interface{}{"address": address}); err != nil {
		return nil, err
	}
	return order, nil
}

// ValidateOrder проверяет заказ; заказ без позиций отклоняется окончательно
func (g *SimulatedGateway) ValidateOrder(ctx context.Context, order *MaterializedOrder) error {
	if err := g.faults.FlakyCall(ctx, "validate_order"); err != nil {
		return err
	}

	if len(order.Items) == 0 {
		if aerr := g.ledger.AppendEvent(ctx, order.OrderID, entity.EventValidationFailed, map[string]string{"reason": "no_items"}); aerr != nil {
			return aerr
		}
		return ErrNoItems
	}

	if err := g.ledger.UpdateOrderState(ctx, order.OrderID, entity.OrderStateValidated); err != nil {
		return err
	}
	return g.ledger.AppendEvent(ctx, order.OrderID, entity.EventOrderValidated, nil)
}

// ChargePayment списывает средства. Сумма считается по количеству позиций,
// повторное списание с тем же paymentID не выполняется.
func (g *SimulatedGateway) ChargePayment(ctx context.Context, paymentID string, order *MaterializedOrder) (*ChargeResult, error) {
	if err := g.faults.FlakyCall(ctx, "charge_payment"); err != nil {
		return nil, err
	}

	var amount int64
	for _, item := range order.Items {
		amount += int64(item.Qty)
	}

	already, err := g.ledger.RecordCharge(ctx, paymentID, order.OrderID, amount)
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{
		Status:         string(entity.PaymentStatusCharged),
		PaymentID:      paymentID,
		Amount:         amount,
		AlreadyCharged: already,
	}
	payload := map[string]interface{}{"payment_id": paymentID, "amount": amount, "already": already}
	if err := g.ledger.AppendEvent(ctx, order.OrderID, entity.EventPaymentCharged, payload); err != nil {
		return nil, err
	}
	return result, nil
}

// PreparePackage готовит посылку на складе
func (g *SimulatedGateway) PreparePackage(ctx context.Context, orderID string) error {
	if err := g.faults.FlakyCall(ctx, "prepare_package"); err != nil {
		return err
	}
	return g.ledger.AppendEvent(ctx, orderID, entity.EventPackagePrepared, nil)
}

// DispatchCarrier передает посылку перевозчику
func (g *SimulatedGateway) DispatchCarrier(ctx context.Context, orderID string) error {
	if err := g.faults.FlakyCall(ctx, "dispatch_carrier"); err != nil {
		return err
	}
	return g.ledger.AppendEvent(ctx, orderID, entity.EventCarrierDispatch, nil)
}

// MarkShipped переводит заказ в состояние "отгружен" и пишет итоговое событие
func (g *SimulatedGateway) MarkShipped(ctx context.Context, orderID string) error {
	if err := g.faults.FlakyCall(ctx, "mark_shipped"); err != nil {
		return err
	}
	if err := g.ledger.UpdateOrderState(ctx, orderID, entity.OrderStateShipped); err != nil {
		return err
	}
	return g.ledger.AppendEvent(ctx, orderID, entity.EventOrderShipped, nil)
}
