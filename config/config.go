package config

import (
	"time"

	"github.com/director74/dz9_saga/pkg/config"
)

// Config содержит конфигурацию сервиса обработки заказов
type Config struct {
	HTTP     config.HTTPConfig
	Postgres config.PostgresConfig
	RabbitMQ config.RabbitMQConfig
	Saga     SagaConfig
	Faults   FaultConfig
}

// SagaConfig настройки исполнения саг
type SagaConfig struct {
	ManualReviewWindow  time.Duration
	ReviewPollInterval  time.Duration
	RunTimeout          time.Duration
	ChildRunTimeout     time.Duration
	MaxShippingAttempts int
	StepTimeout         time.Duration
	StepMaxAttempts     int
	StepInitialInterval time.Duration
	StepBackoff         float64
	StepMaxInterval     time.Duration
}

// FaultConfig настройки инжекции сбоев во внешние вызовы
type FaultConfig struct {
	FailureRate  float64
	TimeoutRate  float64
	TimeoutDelay time.Duration
	Seed         int64
}

func NewConfig() (*Config, error) {
	commonConfig := config.LoadCommonConfig("saga", "8080")

	return &Config{
		HTTP:     commonConfig.HTTP,
		Postgres: commonConfig.Postgres,
		RabbitMQ: commonConfig.RabbitMQ,
		Saga: SagaConfig{
			ManualReviewWindow:  config.GetEnvAsDuration("MANUAL_REVIEW_WINDOW", 2*time.Second),
			ReviewPollInterval:  config.GetEnvAsDuration("REVIEW_POLL_INTERVAL", 100*time.Millisecond),
			RunTimeout:          config.GetEnvAsDuration("RUN_TIMEOUT", 15*time.Second),
			ChildRunTimeout:     config.GetEnvAsDuration("CHILD_RUN_TIMEOUT", 8*time.Second),
			MaxShippingAttempts: config.GetEnvAsInt("MAX_SHIPPING_ATTEMPTS", 2),
			StepTimeout:         config.GetEnvAsDuration("STEP_TIMEOUT", 3*time.Second),
			StepMaxAttempts:     config.GetEnvAsInt("STEP_MAX_ATTEMPTS", 5),
			StepInitialInterval: config.GetEnvAsDuration("STEP_INITIAL_INTERVAL", 200*time.Millisecond),
			StepBackoff:         config.GetEnvAsFloat("STEP_BACKOFF_COEFFICIENT", 2.0),
			StepMaxInterval:     config.GetEnvAsDuration("STEP_MAX_INTERVAL", 2*time.Second),
		},
		Faults: FaultConfig{
			FailureRate:  config.GetEnvAsFloat("FAULT_FAILURE_RATE", 0),
			TimeoutRate:  config.GetEnvAsFloat("FAULT_TIMEOUT_RATE", 0),
			TimeoutDelay: config.GetEnvAsDuration("FAULT_TIMEOUT_DELAY", 300*time.Second),
			Seed:         int64(config.GetEnvAsInt("FAULT_SEED", 1)),
		},
	}, nil
}
