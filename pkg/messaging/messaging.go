package messaging

import (
	"github.com/director74/dz9_saga/pkg/config"
	"github.com/director74/dz9_saga/pkg/rabbitmq"
)

// MessagePublisher интерфейс для публикации сообщений
type MessagePublisher interface {
	PublishMessage(exchange, routingKey string, message interface{}) error
	PublishMessageWithRetry(exchange, routingKey string, message interface{}, retries int) error
}

// MessageConsumer интерфейс для получения сообщений
type MessageConsumer interface {
	DeclareQueue(name string) error
	BindQueue(queueName, exchangeName, routingKey string) error
	ConsumeMessages(queueName, consumerName string, handler func([]byte) error) error
}

// MessageBroker объединяет функциональность публикации и обработки сообщений
type MessageBroker interface {
	MessagePublisher
	MessageConsumer
	DeclareExchange(name string, kind string) error
	Close() error
}

// InitRabbitMQ инициализирует подключение к RabbitMQ с общими параметрами
func InitRabbitMQ(cfg config.RabbitMQConfig) (*rabbitmq.RabbitMQ, error) {
	rmqCfg := rabbitmq.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,
	}

	return rabbitmq.NewRabbitMQ(rmqCfg)
}

// SetupExchangesAndQueues настраивает exchanges и очереди для сервиса
func SetupExchangesAndQueues(broker MessageBroker, exchanges map[string]string, queues map[string]map[string]string) error {
	// Настраиваем exchanges
	for name, kind := range exchanges {
		if err := broker.DeclareExchange(name, kind); err != nil {
			return err
		}
	}

	// Настраиваем очереди и их привязки
	for queueName, bindings := range queues {
		if err := broker.DeclareQueue(queueName); err != nil {
			return err
		}

		for exchangeName, routingKey := range bindings {
			if err := broker.BindQueue(queueName, exchangeName, routingKey); err != nil {
				return err
			}
		}
	}

	return nil
}
