package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/director74/dz9_saga/pkg/messaging"
)

// Топология обмена сигналами саг
const (
	SignalExchange     = "saga_signals"
	SignalExchangeKind = "topic"
	SignalQueue        = "saga_signal_processing"
	SignalRoutingMask  = "signal.*"
)

// SignalMessage сообщение с операторским сигналом для саги заказа
type SignalMessage struct {
	OrderID   string          `json:"order_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignalPublisher публикует операторские сигналы в RabbitMQ, откуда их
// забирает потребитель и доставляет сагам
type SignalPublisher struct {
	publisher messaging.MessagePublisher
	logger    *log.Logger
}

func NewSignalPublisher(publisher messaging.MessagePublisher, logger *log.Logger) *SignalPublisher {
	if logger == nil {
		logger = log.New(log.Writer(), "[SignalPublisher] ", log.LstdFlags)
	}
	return &SignalPublisher{
		publisher: publisher,
		logger:    logger,
	}
}

// DispatchSignal публикует сигнал с ключом маршрутизации по его имени
func (p *SignalPublisher) DispatchSignal(ctx context.Context, orderID, name string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ошибка сериализации сигнала %s для заказа %s: %w", name, orderID, err)
		}
		raw = body
	}

	msg := SignalMessage{
		OrderID:   orderID,
		Name:      name,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	routingKey := fmt.Sprintf("signal.%s", name)
	if err := p.publisher.PublishMessageWithRetry(SignalExchange, routingKey, msg, 3); err != nil {
		return fmt.Errorf("ошибка публикации сигнала %s для заказа %s: %w", name, orderID, err)
	}

	p.logger.Printf("Сигнал %s для заказа %s опубликован", name, orderID)
	return nil
}
