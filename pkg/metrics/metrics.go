package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SagaMetrics содержит счетчики для наблюдения за исполнением саг
type SagaMetrics struct {
	registry *prometheus.Registry

	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	stepAttempts   *prometheus.CounterVec
	stepReplays    *prometheus.CounterVec
	signalsApplied *prometheus.CounterVec
}

// NewSagaMetrics создает набор метрик с собственным реестром
func NewSagaMetrics() *SagaMetrics {
	registry := prometheus.NewRegistry()

	m := &SagaMetrics{
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_runs_started_total",
			Help: "Количество запущенных саг",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_runs_finished_total",
			Help: "Количество завершенных саг по итоговому статусу",
		}, []string{"status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_attempts_total",
			Help: "Количество вызовов шагов саги (включая повторы)",
		}, []string{"step"}),
		stepReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_replays_total",
			Help: "Количество шагов, отданных из кэша результатов при повторном исполнении",
		}, []string{"step"}),
		signalsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_signals_applied_total",
			Help: "Количество сигналов, примененных к сагам",
		}, []string{"signal"}),
	}

	registry.MustRegister(m.runsStarted, m.runsFinished, m.stepAttempts, m.stepReplays, m.signalsApplied)
	return m
}

// Handler возвращает HTTP обработчик для отдачи метрик
func (m *SagaMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Все инкременты допускают nil-получателя

func (m *SagaMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *SagaMetrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *SagaMetrics) StepAttempt(step string) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(step).Inc()
}

func (m *SagaMetrics) StepReplayed(step string) {
	if m == nil {
		return
	}
	m.stepReplays.WithLabelValues(step).Inc()
}

func (m *SagaMetrics) SignalApplied(signal string) {
	if m == nil {
		return
	}
	m.signalsApplied.WithLabelValues(signal).Inc()
}
