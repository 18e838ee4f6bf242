package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/internal/usecase"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// Имена сигналов, принимаемых сагой заказа
const (
	SignalCancel         = "cancel"
	SignalApprove        = "approve"
	SignalUpdateAddress  = "update_address"
	SignalDispatchFailed = "dispatch_failed"
)

// OrderInput входные данные запуска саги заказа
type OrderInput struct {
	OrderID   string                 `json:"order_id"`
	PaymentID string                 `json:"payment_id"`
	Items     []entity.OrderItem     `json:"items,omitempty"`
	Address   map[string]interface{} `json:"address,omitempty"`
}

// OrderResult итог саги заказа
type OrderResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OrderSaga управляет жизненным циклом заказа: прием, валидация, ручное
// подтверждение, списание и отгрузка с ограниченным числом попыток.
// Обработчики сигналов и тело саги никогда не работают параллельно,
// поэтому мьютекс защищает состояние только от конкурентных запросов статуса.
type OrderSaga struct {
	orderSteps    *usecase.OrderSteps
	shippingSteps *usecase.ShippingSteps
	cfg           Config
	logger        *log.Logger

	mu               sync.RWMutex
	started          bool
	orderID          string
	address          map[string]interface{}
	currentStep      string
	validated        bool
	paymentStatus    string
	shippingAttempts int
	cancelled        bool
	approved         bool
	lastError        string
	dispatchReason   string

	rctx *sagahost.RunContext
}

func NewOrderSaga(orderSteps *usecase.OrderSteps, shippingSteps *usecase.ShippingSteps, cfg Config, logger *log.Logger) *OrderSaga {
	if logger == nil {
		logger = log.New(log.Writer(), "[OrderSaga] ", log.LstdFlags)
	}
	return &OrderSaga{
		orderSteps:    orderSteps,
		shippingSteps: shippingSteps,
		cfg:           cfg,
		logger:        logger,
	}
}

// HandleSignal применяет операторский сигнал к состоянию саги.
// Вызывается хостом только в точках приостановки тела саги.
func (s *OrderSaga) HandleSignal(name string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case SignalCancel:
		if s.started {
			s.cancelled = true
		}
	case SignalApprove:
		if s.started {
			s.approved = true
		}
	case SignalUpdateAddress:
		if !s.started {
			return
		}
		var address map[string]interface{}
		if err := json.Unmarshal(payload, &address); err != nil {
			s.logger.Printf("[WARN] Заказ %s: не удалось разобрать новый адрес: %v", s.orderID, err)
			return
		}
		s.address = address
		// Сохранение адреса не должно блокировать тело саги
		orderID := s.orderID
		s.rctx.StartDetachedStep("update_order_address", func(c context.Context) (interface{}, error) {
			return nil, s.orderSteps.UpdateOrderAddress(c, orderID, address)
		}, &s.cfg.StepOptions)
	case SignalDispatchFailed:
		var msg struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Printf("[WARN] Заказ %s: не удалось разобрать причину срыва отгрузки: %v", s.orderID, err)
			return
		}
		s.dispatchReason = msg.Reason
		if s.started {
			s.lastError = msg.Reason
		}
	default:
		s.logger.Printf("[WARN] Заказ %s: неизвестный сигнал %s", s.orderID, name)
	}
}

// Snapshot возвращает снимок состояния саги. Безопасен до старта запуска
// и при конкурентных вызовах.
func (s *OrderSaga) Snapshot() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := map[string]interface{}{
		"order_id":          nil,
		"current_step":      nil,
		"validated":         false,
		"payment_status":    nil,
		"shipping_attempts": 0,
		"cancelled":         false,
		"approved":          false,
		"last_error":        nil,
	}
	if s.started {
		snapshot["order_id"] = s.orderID
		snapshot["current_step"] = s.currentStep
		snapshot["validated"] = s.validated
		snapshot["shipping_attempts"] = s.shippingAttempts
		snapshot["cancelled"] = s.cancelled
		snapshot["approved"] = s.approved
		if s.paymentStatus != "" {
			snapshot["payment_status"] = s.paymentStatus
		}
		if s.lastError != "" {
			snapshot["last_error"] = s.lastError
		}
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage(`{"error":"snapshot marshal failed"}`)
	}
	return body
}

func (s *OrderSaga) Execute(ctx *sagahost.RunContext, input json.RawMessage) (json.RawMessage, error) {
	var in OrderInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("ошибка разбора входных данных заказа: %w", err)
	}

	s.mu.Lock()
	s.rctx = ctx
	s.started = true
	s.orderID = in.OrderID
	s.address = in.Address
	s.currentStep = "receive_order"
	s.mu.Unlock()

	stepOpts := &s.cfg.StepOptions

	rawOrder, err := ctx.ExecuteStep("receive_order", func(c context.Context) (interface{}, error) {
		return s.orderSteps.ReceiveOrder(c, in.OrderID, in.Items, in.Address)
	}, stepOpts)
	if err != nil {
		return nil, err
	}
	var order usecase.MaterializedOrder
	if err := json.Unmarshal(rawOrder, &order); err != nil {
		return nil, fmt.Errorf("ошибка разбора материализованного заказа %s: %w", in.OrderID, err)
	}

	s.setStep("validate_order")
	if _, err := ctx.ExecuteStep("validate_order", func(c context.Context) (interface{}, error) {
		return nil, s.orderSteps.ValidateOrder(c, &order)
	}, stepOpts); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.validated = true
	s.mu.Unlock()

	// Ожидание ручного подтверждения: выходим по одобрению или по истечении
	// окна. Отмена здесь не прерывает цикл, а наблюдается на контрольной
	// точке сразу после него.
	s.setStep("manual_review")
	deadline := time.Now().Add(s.cfg.ManualReviewWindow)
	for !s.isApproved() && time.Now().Before(deadline) {
		if err := ctx.Sleep(s.cfg.ReviewPollInterval); err != nil {
			return nil, err
		}
	}

	if s.isCancelled() {
		return s.finishCancelled(ctx, in.OrderID, stepOpts)
	}

	s.setStep("charge_payment")
	rawPay, err := ctx.ExecuteStep("charge_payment", func(c context.Context) (interface{}, error) {
		return s.orderSteps.ChargePayment(c, in.PaymentID, &order)
	}, stepOpts)
	if err != nil {
		return nil, err
	}
	var pay usecase.ChargeResult
	if err := json.Unmarshal(rawPay, &pay); err != nil {
		return nil, fmt.Errorf("ошибка разбора результата списания по заказу %s: %w", in.OrderID, err)
	}
	s.mu.Lock()
	s.paymentStatus = pay.Status
	s.mu.Unlock()

	if s.isCancelled() {
		return s.finishCancelled(ctx, in.OrderID, stepOpts)
	}

	// Отгрузка: каждая попытка — новая дочерняя сага со своей идентичностью
	for s.attempts() < s.cfg.MaxShippingAttempts {
		attempt := s.beginShippingAttempt()
		childID := fmt.Sprintf("ship-%s-%d", in.OrderID, attempt)

		shipping := NewShippingSaga(s.shippingSteps, s.cfg, s.logger)
		_, shipErr := ctx.ExecuteChild(childID, shipping, ShippingInput{Order: &order}, sagahost.RunOptions{
			Timeout: s.cfg.ChildRunTimeout,
		})
		if shipErr == nil {
			break
		}

		s.mu.Lock()
		s.lastError = shipErr.Error()
		// Причина из сигнала точнее общей ошибки дочерней саги
		reason := s.dispatchReason
		if reason == "" {
			reason = shipErr.Error()
		}
		attempts := s.shippingAttempts
		cancelled := s.cancelled
		s.mu.Unlock()

		if _, aerr := ctx.ExecuteStep("append_dispatch_failed", func(c context.Context) (interface{}, error) {
			return nil, s.orderSteps.AppendDispatchFailed(c, in.OrderID, reason)
		}, stepOpts); aerr != nil {
			return nil, aerr
		}

		if attempts >= s.cfg.MaxShippingAttempts || cancelled {
			if _, serr := ctx.ExecuteStep("set_state_shipping_failed", func(c context.Context) (interface{}, error) {
				return nil, s.orderSteps.SetOrderState(c, in.OrderID, entity.OrderStateShippingFailed)
			}, stepOpts); serr != nil {
				return nil, serr
			}
			s.setStep("shipping_failed")
			return json.Marshal(OrderResult{Status: "shipping_failed", Reason: reason})
		}
	}

	s.setStep("order_shipped")
	if _, err := ctx.ExecuteStep("mark_order_shipped", func(c context.Context) (interface{}, error) {
		return nil, s.orderSteps.MarkShipped(c, in.OrderID)
	}, stepOpts); err != nil {
		return nil, err
	}

	return json.Marshal(OrderResult{Status: "shipped"})
}

// finishCancelled фиксирует отмену заказа и завершает сагу
func (s *OrderSaga) finishCancelled(ctx *sagahost.RunContext, orderID string, opts *sagahost.StepOptions) (json.RawMessage, error) {
	s.setStep("cancelled")
	if _, err := ctx.ExecuteStep("set_state_cancelled", func(c context.Context) (interface{}, error) {
		return nil, s.orderSteps.SetOrderState(c, orderID, entity.OrderStateCancelled)
	}, opts); err != nil {
		return nil, err
	}
	return json.Marshal(OrderResult{Status: "cancelled"})
}

func (s *OrderSaga) setStep(step string) {
	s.mu.Lock()
	s.currentStep = step
	s.mu.Unlock()
}

func (s *OrderSaga) isApproved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approved
}

func (s *OrderSaga) isCancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

func (s *OrderSaga) attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shippingAttempts
}

// beginShippingAttempt увеличивает счетчик попыток и сбрасывает причину
// прошлого срыва; возвращает номер новой попытки
func (s *OrderSaga) beginShippingAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shippingAttempts++
	s.currentStep = fmt.Sprintf("shipping_attempt_%d", s.shippingAttempts)
	s.dispatchReason = ""
	return s.shippingAttempts
}
