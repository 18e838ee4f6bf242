package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/director74/dz9_saga/internal/saga"
	"github.com/director74/dz9_saga/pkg/messaging"
	"github.com/director74/dz9_saga/pkg/sagahost"
)

// SignalReceiver принимает сигнал, адресованный саге заказа
type SignalReceiver interface {
	DeliverSignal(orderID, name string, payload json.RawMessage) error
}

// SignalConsumer читает операторские сигналы из очереди и доставляет их сагам
type SignalConsumer struct {
	broker   messaging.MessageBroker
	receiver SignalReceiver
	logger   *log.Logger
}

func NewSignalConsumer(broker messaging.MessageBroker, receiver SignalReceiver, logger *log.Logger) *SignalConsumer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SignalConsumer] ", log.LstdFlags)
	}
	return &SignalConsumer{
		broker:   broker,
		receiver: receiver,
		logger:   logger,
	}
}

// Setup объявляет топологию очереди сигналов
func (c *SignalConsumer) Setup() error {
	if err := c.broker.DeclareExchange(SignalExchange, SignalExchangeKind); err != nil {
		return fmt.Errorf("ошибка объявления обмена сигналов: %w", err)
	}
	if err := c.broker.DeclareQueue(SignalQueue); err != nil {
		return fmt.Errorf("ошибка объявления очереди сигналов: %w", err)
	}
	if err := c.broker.BindQueue(SignalQueue, SignalExchange, SignalRoutingMask); err != nil {
		return fmt.Errorf("ошибка привязки очереди сигналов: %w", err)
	}
	return nil
}

// Start запускает потребление очереди сигналов
func (c *SignalConsumer) Start() error {
	return c.broker.ConsumeMessages(SignalQueue, "saga-signal-consumer", c.handleMessage)
}

// handleMessage доставляет сигнал саге. Сигнал для несуществующего запуска
// подтверждается и отбрасывается: повторная доставка его не оживит.
func (c *SignalConsumer) handleMessage(data []byte) error {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Printf("[ERROR] Не удалось разобрать сообщение сигнала: %v", err)
		return nil
	}

	if err := c.receiver.DeliverSignal(msg.OrderID, msg.Name, msg.Payload); err != nil {
		if errors.Is(err, sagahost.ErrRunNotFound) {
			c.logger.Printf("[WARN] Сигнал %s для заказа %s: запуск не найден, сообщение отброшено", msg.Name, msg.OrderID)
			return nil
		}
		return fmt.Errorf("ошибка доставки сигнала %s для заказа %s: %w", msg.Name, msg.OrderID, err)
	}

	c.logger.Printf("Сигнал %s доставлен саге заказа %s", msg.Name, msg.OrderID)
	return nil
}

// HostReceiver доставляет сигналы напрямую хосту саг
type HostReceiver struct {
	host *sagahost.Host
}

func NewHostReceiver(host *sagahost.Host) *HostReceiver {
	return &HostReceiver{host: host}
}

func (r *HostReceiver) DeliverSignal(orderID, name string, payload json.RawMessage) error {
	return r.host.SignalRun(saga.RunIDForOrder(orderID), name, payload)
}
