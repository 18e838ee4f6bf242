package saga

import (
	"time"

	"github.com/director74/dz9_saga/pkg/sagahost"
)

// Config настройки саги обработки заказа
type Config struct {
	ManualReviewWindow  time.Duration
	ReviewPollInterval  time.Duration
	RunTimeout          time.Duration
	ChildRunTimeout     time.Duration
	MaxShippingAttempts int
	StepOptions         sagahost.StepOptions
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		ManualReviewWindow:  2 * time.Second,
		ReviewPollInterval:  100 * time.Millisecond,
		RunTimeout:          15 * time.Second,
		ChildRunTimeout:     8 * time.Second,
		MaxShippingAttempts: 2,
		StepOptions:         sagahost.DefaultStepOptions(),
	}
}
