package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// OrderSteps реализует шаги саги обработки заказа поверх шлюза и леджера
type OrderSteps struct {
	gateway ExternalGateway
	ledger  *Ledger
	logger  *log.Logger
}

func NewOrderSteps(gateway ExternalGateway, ledger *Ledger, logger *log.Logger) *OrderSteps {
	if logger == nil {
		logger = log.New(log.Writer(), "[OrderSteps] ", log.LstdFlags)
	}
	return &OrderSteps{
		gateway: gateway,
		ledger:  ledger,
		logger:  logger,
	}
}

// ReceiveOrder принимает и материализует заказ
func (s *OrderSteps) ReceiveOrder(ctx context.Context, orderID string, items []entity.OrderItem, address map[string]interface{}) (*MaterializedOrder, error) {
	order, err := s.gateway.ReceiveOrder(ctx, orderID, items, address)
	if err != nil {
		return nil, fmt.Errorf("ошибка приема заказа %s: %w", orderID, err)
	}
	s.logger.Printf("Заказ %s принят, позиций: %d", orderID, len(order.Items))
	return order, nil
}

// ValidateOrder проверяет заказ. Бизнес-отказ (нет позиций) не подлежит
// повторам и сразу завершает сагу.
func (s *OrderSteps) ValidateOrder(ctx context.Context, order *MaterializedOrder) error {
	if err := s.gateway.ValidateOrder(ctx, order); err != nil {
		if errors.Is(err, ErrNoItems) {
			return sagahost.NewNonRetryableError(err)
		}
		return fmt.Errorf("ошибка валидации заказа %s: %w", order.OrderID, err)
	}
	s.logger.Printf("Заказ %s прошел валидацию", order.OrderID)
	return nil
}

// ChargePayment списывает средства за заказ
func (s *OrderSteps) ChargePayment(ctx context.Context, paymentID string, order *MaterializedOrder) (*ChargeResult, error) {
	result, err := s.gateway.ChargePayment(ctx, paymentID, order)
	if err != nil {
		return nil, fmt.Errorf("ошибка списания по заказу %s: %w", order.OrderID, err)
	}
	if result.AlreadyCharged {
		s.logger.Printf("Платеж %s уже существовал, повторное списание не выполнялось", paymentID)
	} else {
		s.logger.Printf("Платеж %s на сумму %d зафиксирован", paymentID, result.Amount)
	}
	return result, nil
}

// MarkShipped фиксирует отгрузку заказа
func (s *OrderSteps) MarkShipped(ctx context.Context, orderID string) error {
	if err := s.gateway.MarkShipped(ctx, orderID); err != nil {
		return fmt.Errorf("ошибка отметки отгрузки заказа %s: %w", orderID, err)
	}
	s.logger.Printf("Заказ %s отгружен", orderID)
	return nil
}

// SetOrderState переводит проекцию заказа в новое состояние и пишет
// событие смены состояния в журнал
func (s *OrderSteps) SetOrderState(ctx context.Context, orderID string, state entity.OrderState) error {
	if err := s.ledger.UpdateOrderState(ctx, orderID, state); err != nil {
		return fmt.Errorf("ошибка смены состояния заказа %s: %w", orderID, err)
	}
	return s.ledger.AppendEvent(ctx, orderID, fmt.Sprintf("state_%s", state), nil)
}

// UpdateOrderAddress сохраняет новый адрес доставки и пишет событие
func (s *OrderSteps) UpdateOrderAddress(ctx context.Context, orderID string, address map[string]interface{}) error {
	if err := s.ledger.UpdateOrderAddress(ctx, orderID, address); err != nil {
		return fmt.Errorf("ошибка обновления адреса заказа %s: %w", orderID, err)
	}
	return s.ledger.AppendEvent(ctx, orderID, entity.EventAddressUpdated, map[string]interface{}{"address": address})
}

// AppendDispatchFailed пишет событие срыва отгрузки с причиной
func (s *OrderSteps) AppendDispatchFailed(ctx context.Context, orderID, reason string) error {
	return s.ledger.AppendEvent(ctx, orderID, entity.EventDispatchFailed, map[string]string{"reason": reason})
}

// ShippingSteps реализует шаги дочерней саги отгрузки
type ShippingSteps struct {
	gateway ExternalGateway
	logger  *log.Logger
}

func NewShippingSteps(gateway ExternalGateway, logger *log.Logger) *ShippingSteps {
	if logger == nil {
		logger = log.New(log.Writer(), "[ShippingSteps] ", log.LstdFlags)
	}
	return &ShippingSteps{
		gateway: gateway,
		logger:  logger,
	}
}

// PreparePackage готовит посылку к отправке
func (s *ShippingSteps) PreparePackage(ctx context.Context, orderID string) error {
	if err := s.gateway.PreparePackage(ctx, orderID); err != nil {
		return fmt.Errorf("ошибка подготовки посылки по заказу %s: %w", orderID, err)
	}
	s.logger.Printf("Посылка по заказу %s подготовлена", orderID)
	return nil
}

// DispatchCarrier передает посылку перевозчику
func (s *ShippingSteps) DispatchCarrier(ctx context.Context, orderID string) error {
	if err := s.gateway.DispatchCarrier(ctx, orderID); err != nil {
		return fmt.Errorf("ошибка передачи перевозчику по заказу %s: %w", orderID, err)
	}
	s.logger.Printf("Посылка по заказу %s передана перевозчику", orderID)
	return nil
}
