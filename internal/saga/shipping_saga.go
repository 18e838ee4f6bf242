package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/director74/dz9_saga/internal/usecase"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// ShippingInput входные данные дочерней саги отгрузки
type ShippingInput struct {
	Order *usecase.MaterializedOrder `json:"order"`
}

// ShippingResult итог дочерней саги отгрузки
type ShippingResult struct {
	Status string `json:"status"`
}

// ShippingSaga дочерняя сага отгрузки: подготовка посылки и передача
// перевозчику. При срыве отгрузки родитель уведомляется сигналом до того,
// как сама сага завершится ошибкой.
type ShippingSaga struct {
	steps  *usecase.ShippingSteps
	cfg    Config
	logger *log.Logger
}

func NewShippingSaga(steps *usecase.ShippingSteps, cfg Config, logger *log.Logger) *ShippingSaga {
	if logger == nil {
		logger = log.New(log.Writer(), "[ShippingSaga] ", log.LstdFlags)
	}
	return &ShippingSaga{
		steps:  steps,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *ShippingSaga) Execute(ctx *sagahost.RunContext, input json.RawMessage) (json.RawMessage, error) {
	var in ShippingInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("ошибка разбора входных данных отгрузки: %w", err)
	}
	if in.Order == nil {
		return nil, fmt.Errorf("входные данные отгрузки не содержат заказ")
	}
	orderID := in.Order.OrderID

	if _, err := ctx.ExecuteStep("prepare_package", func(c context.Context) (interface{}, error) {
		return nil, s.steps.PreparePackage(c, orderID)
	}, &s.cfg.StepOptions); err != nil {
		return nil, err
	}

	if _, err := ctx.ExecuteStep("dispatch_carrier", func(c context.Context) (interface{}, error) {
		return nil, s.steps.DispatchCarrier(c, orderID)
	}, &s.cfg.StepOptions); err != nil {
		// Родитель узнает причину срыва по сигналу, даже если он ждет
		// результат дочерней саги по другому каналу
		if perr := ctx.SignalParent("dispatch_failed", map[string]string{"reason": err.Error()}); perr != nil {
			s.logger.Printf("[WARN] RunID=%s: не удалось уведомить родителя о срыве отгрузки: %v", ctx.RunID(), perr)
		}
		return nil, err
	}

	return json.Marshal(ShippingResult{Status: "dispatched"})
}

// HandleSignal сага отгрузки не принимает сигналов
func (s *ShippingSaga) HandleSignal(name string, payload json.RawMessage) {}

// Snapshot возвращает минимальный снимок состояния
func (s *ShippingSaga) Snapshot() json.RawMessage {
	return json.RawMessage(`{"saga":"shipping"}`)
}
