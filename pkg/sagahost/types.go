package sagahost

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Saga описывает долгоживущий процесс, исполняемый хостом.
// Execute — тело саги; вызывается в отдельной горутине запуска и может
// повторно исполняться при восстановлении после сбоя (завершенные шаги
// при этом отдаются из кэша результатов).
// HandleSignal вызывается только горутиной запуска в точках приостановки,
// поэтому обработчики сигналов никогда не исполняются параллельно с телом.
// Snapshot должен быть потокобезопасным: его читают конкурентно из запросов статуса.
type Saga interface {
	Execute(ctx *RunContext, input json.RawMessage) (json.RawMessage, error)
	HandleSignal(name string, payload json.RawMessage)
	Snapshot() json.RawMessage
}

// StepFunc единица работы шага; ctx несет таймаут одной попытки
type StepFunc func(ctx context.Context) (interface{}, error)

// RetryPolicy политика повторов шага с экспоненциальной задержкой
type RetryPolicy struct {
	MaximumAttempts    int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
}

// StepOptions настройки вызова шага
type StepOptions struct {
	Timeout time.Duration // таймаут одной попытки
	Retry   RetryPolicy
}

// RunOptions настройки запуска саги
type RunOptions struct {
	Timeout time.Duration // таймаут всего запуска; 0 — без ограничения
}

// DefaultRetryPolicy возвращает политику повторов по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaximumAttempts:    5,
		InitialInterval:    200 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    2 * time.Second,
	}
}

// DefaultStepOptions возвращает настройки шага по умолчанию
func DefaultStepOptions() StepOptions {
	return StepOptions{
		Timeout: 3 * time.Second,
		Retry:   DefaultRetryPolicy(),
	}
}

var (
	// ErrRunAlreadyStarted запуск с таким ID уже существует
	ErrRunAlreadyStarted = errors.New("сага с таким ID уже запущена")
	// ErrRunNotFound запуск с таким ID не найден
	ErrRunNotFound = errors.New("сага с таким ID не найдена")
)

// NonRetryableError помечает бизнес-ошибку, которую нельзя повторять
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError оборачивает ошибку так, чтобы политика повторов ее не повторяла
func NewNonRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable проверяет, помечена ли ошибка как неповторяемая
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// signalMessage сигнал, поставленный в очередь запуска.
// replayed выставляется при проигрывании журнала после возобновления:
// такие сигналы не попадают в журнал повторно.
type signalMessage struct {
	name     string
	payload  json.RawMessage
	replayed bool
}
