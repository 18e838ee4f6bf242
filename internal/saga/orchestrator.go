package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/director74/dz9_saga/internal/usecase"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// Orchestrator запускает саги заказов и адресует им сигналы и запросы
// по идентификатору заказа
type Orchestrator struct {
	host          *sagahost.Host
	orderSteps    *usecase.OrderSteps
	shippingSteps *usecase.ShippingSteps
	cfg           Config
	logger        *log.Logger
}

func NewOrchestrator(host *sagahost.Host, orderSteps *usecase.OrderSteps, shippingSteps *usecase.ShippingSteps, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		host:          host,
		orderSteps:    orderSteps,
		shippingSteps: shippingSteps,
		cfg:           cfg,
		logger:        logger,
	}
}

// RunIDForOrder возвращает стабильный идентификатор запуска для заказа
func RunIDForOrder(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// StartInfo идентификаторы запущенной саги
type StartInfo struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// StartOrder запускает сагу обработки заказа. Повторный запуск для того же
// заказа отклоняется механизмом идентичности запусков.
func (o *Orchestrator) StartOrder(ctx context.Context, in OrderInput) (*StartInfo, error) {
	runID := RunIDForOrder(in.OrderID)
	s := NewOrderSaga(o.orderSteps, o.shippingSteps, o.cfg, o.logger)

	run, err := o.host.StartRun(ctx, runID, s, in, sagahost.RunOptions{Timeout: o.cfg.RunTimeout})
	if err != nil {
		return nil, err
	}
	return &StartInfo{WorkflowID: runID, RunID: run.ExecutionID()}, nil
}

// RecoverOrders возобновляет саги заказов, оставшиеся незавершенными после
// перезапуска процесса. Дочерние запуски отгрузки пропускаются: их заново
// ведет родительская сага. Возвращает число возобновленных запусков.
func (o *Orchestrator) RecoverOrders(ctx context.Context) (int, error) {
	resumed, err := o.host.ResumeAll(ctx, func(*sagahost.RunRecord) sagahost.Saga {
		return NewOrderSaga(o.orderSteps, o.shippingSteps, o.cfg, o.logger)
	}, sagahost.RunOptions{Timeout: o.cfg.RunTimeout})
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления незавершенных саг: %w", err)
	}
	if resumed > 0 {
		o.logger.Printf("Возобновлено незавершенных саг заказов: %d", resumed)
	}
	return resumed, nil
}

// DispatchSignal доставляет сигнал саге заказа
func (o *Orchestrator) DispatchSignal(ctx context.Context, orderID, name string, payload interface{}) error {
	return o.host.SignalRun(RunIDForOrder(orderID), name, payload)
}

// Status возвращает снимок состояния саги заказа. Ошибка чтения состояния
// не пробрасывается, а возвращается структурированным полем error.
func (o *Orchestrator) Status(orderID string) json.RawMessage {
	snapshot, err := o.host.QueryStatus(RunIDForOrder(orderID))
	if err != nil {
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		return body
	}
	return snapshot
}
