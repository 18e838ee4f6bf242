package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/director74/dz9_saga/internal/entity"
	"github.com/director74/dz9_saga/internal/saga"
	"github.com/director74/dz9_saga/internal/usecase"
	"github.com/director74/dz9_saga/pkg/metrics"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// SignalDispatcher доставляет операторские сигналы саге заказа.
// Реализуется оркестратором напрямую либо издателем RabbitMQ.
// Синхронная реализация возвращает ErrRunNotFound для неизвестного запуска;
// у издателя доставка асинхронная, публикация успешна независимо от
// существования запуска, а сигнал неизвестному запуску отбрасывает потребитель.
type SignalDispatcher interface {
	DispatchSignal(ctx context.Context, orderID, name string, payload interface{}) error
}

// SagaHandler HTTP-интерфейс управления сагами заказов
type SagaHandler struct {
	orchestrator *saga.Orchestrator
	signals      SignalDispatcher
	ledger       *usecase.Ledger
	metrics      *metrics.SagaMetrics
}

func NewSagaHandler(orchestrator *saga.Orchestrator, signals SignalDispatcher, ledger *usecase.Ledger, m *metrics.SagaMetrics) *SagaHandler {
	return &SagaHandler{
		orchestrator: orchestrator,
		signals:      signals,
		ledger:       ledger,
		metrics:      m,
	}
}

func (h *SagaHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/orders/:id/start", h.StartOrder)
		api.POST("/orders/:id/signals/cancel", h.SignalCancel)
		api.POST("/orders/:id/signals/approve", h.SignalApprove)
		api.POST("/orders/:id/signals/update-address", h.SignalUpdateAddress)
		api.GET("/orders/:id/status", h.GetStatus)
	}
}

func (h *SagaHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SagaHandler) StartOrder(c *gin.Context) {
	orderID := c.Param("id")

	var req entity.StartOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PaymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_id обязателен"})
		return
	}

	info, err := h.orchestrator.StartOrder(c.Request.Context(), saga.OrderInput{
		OrderID:   orderID,
		PaymentID: req.PaymentID,
		Items:     req.Items,
		Address:   req.Address,
	})
	if err != nil {
		if errors.Is(err, sagahost.ErrRunAlreadyStarted) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, entity.StartOrderResponse{
		WorkflowID: info.WorkflowID,
		RunID:      info.RunID,
	})
}

func (h *SagaHandler) SignalCancel(c *gin.Context) {
	h.dispatch(c, saga.SignalCancel, nil)
}

func (h *SagaHandler) SignalApprove(c *gin.Context) {
	h.dispatch(c, saga.SignalApprove, nil)
}

func (h *SagaHandler) SignalUpdateAddress(c *gin.Context) {
	var req entity.UpdateAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.dispatch(c, saga.SignalUpdateAddress, req.Address)
}

func (h *SagaHandler) dispatch(c *gin.Context, name string, payload interface{}) {
	orderID := c.Param("id")

	if err := h.signals.DispatchSignal(c.Request.Context(), orderID, name, payload); err != nil {
		if errors.Is(err, sagahost.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetStatus собирает снимок саги, последние события и строку заказа.
// Запрос никогда не падает из-за недоступности саги: ее ошибка
// возвращается полем error внутри workflow.
func (h *SagaHandler) GetStatus(c *gin.Context) {
	orderID := c.Param("id")
	ctx := c.Request.Context()

	workflow := h.orchestrator.Status(orderID)

	events, err := h.ledger.RecentEvents(ctx, orderID, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var dbOrder *entity.Order
	order, err := h.ledger.GetOrder(ctx, orderID)
	if err == nil {
		dbOrder = order
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow": json.RawMessage(workflow),
		"events":   events,
		"db_order": dbOrder,
	})
}
