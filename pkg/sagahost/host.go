package sagahost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/director74/dz9_saga/pkg/metrics"
)

// Host исполняет саги: держит реестр активных запусков, доставляет сигналы,
// выполняет шаги с повторами и кэширует их результаты в БД
type Host struct {
	runRepo    RunRepository
	stepRepo   StepResultRepository
	signalRepo SignalLogRepository
	defaults   StepOptions
	logger     *log.Logger
	metrics    *metrics.SagaMetrics

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewHost создает хост саг
func NewHost(runRepo RunRepository, stepRepo StepResultRepository, signalRepo SignalLogRepository, defaults StepOptions, logger *log.Logger, m *metrics.SagaMetrics) *Host {
	if logger == nil {
		logger = log.New(log.Writer(), "[SagaHost] ", log.LstdFlags)
	}
	if defaults.Retry.MaximumAttempts == 0 {
		defaults = DefaultStepOptions()
	}

	return &Host{
		runRepo:    runRepo,
		stepRepo:   stepRepo,
		signalRepo: signalRepo,
		defaults:   defaults,
		logger:     logger,
		metrics:    m,
		runs:       make(map[string]*Run),
	}
}

// Run представляет один запуск саги
type Run struct {
	id          string
	parentID    string
	executionID string
	saga        Saga
	input       json.RawMessage
	opts        RunOptions
	host        *Host

	sigMu   sync.Mutex
	signals []signalMessage
	sigSeq  int // номер последнего занесенного в журнал сигнала; трогает только горутина запуска

	done   chan struct{}
	result json.RawMessage
	err    error
}

// ID возвращает стабильный внешний идентификатор запуска
func (r *Run) ID() string {
	return r.id
}

// ExecutionID возвращает уникальный идентификатор этого исполнения
func (r *Run) ExecutionID() string {
	return r.executionID
}

// Result блокируется до завершения запуска или отмены контекста
func (r *Run) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done возвращает канал, закрываемый по завершении запуска
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// enqueueSignal ставит сигнал в очередь запуска; применение произойдет
// в ближайшей точке приостановки тела саги
func (r *Run) enqueueSignal(name string, payload json.RawMessage) {
	r.sigMu.Lock()
	r.signals = append(r.signals, signalMessage{name: name, payload: payload})
	r.sigMu.Unlock()
}

// takeSignals забирает накопленные сигналы в порядке поступления
func (r *Run) takeSignals() []signalMessage {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	msgs := r.signals
	r.signals = nil
	return msgs
}

// StartRun запускает новую сагу со стабильным ID. Повторный старт того же ID
// отклоняется: либо запись о запуске уже есть в БД, либо запуск активен в реестре.
func (h *Host) StartRun(ctx context.Context, runID string, saga Saga, input interface{}, opts RunOptions) (*Run, error) {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации входных данных саги %s: %w", runID, err)
	}

	h.mu.Lock()
	if _, active := h.runs[runID]; active {
		h.mu.Unlock()
		return nil, ErrRunAlreadyStarted
	}
	h.mu.Unlock()

	rec := &RunRecord{
		RunID:       runID,
		ExecutionID: uuid.NewString(),
		Status:      RunStatusRunning,
		Input:       datatypes.JSON(inputBytes),
	}
	existed, err := h.runRepo.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if existed {
		return nil, ErrRunAlreadyStarted
	}

	run := h.register(runID, "", rec.ExecutionID, saga, inputBytes, opts)
	h.metrics.RunStarted()
	h.logger.Printf("RunID=%s: сага запущена (execution=%s)", runID, rec.ExecutionID)
	go run.execute()
	return run, nil
}

// ResumeRun возобновляет запуск после сбоя процесса. Завершенные запуски
// отдаются из сохраненной записи без повторного исполнения; незавершенные
// исполняются заново, при этом завершенные шаги берутся из кэша результатов,
// а журнал сигналов проигрывается в первой же точке приостановки.
func (h *Host) ResumeRun(ctx context.Context, runID string, saga Saga, opts RunOptions) (*Run, error) {
	rec, err := h.runRepo.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	if rec.Status != RunStatusRunning {
		return h.finishedRun(rec, saga), nil
	}

	h.mu.RLock()
	active, ok := h.runs[runID]
	h.mu.RUnlock()
	if ok {
		return active, nil
	}

	logged, err := h.signalRepo.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	run := h.register(runID, rec.ParentID, rec.ExecutionID, saga, json.RawMessage(rec.Input), opts)
	// Журнал проигрывается раньше сигналов, пришедших после возобновления
	run.sigMu.Lock()
	replayed := make([]signalMessage, 0, len(logged))
	for _, sig := range logged {
		replayed = append(replayed, signalMessage{
			name:     sig.Name,
			payload:  json.RawMessage(sig.Payload),
			replayed: true,
		})
		run.sigSeq = sig.Seq
	}
	run.signals = append(replayed, run.signals...)
	run.sigMu.Unlock()
	h.logger.Printf("RunID=%s: сага возобновлена после сбоя (сигналов в журнале: %d)", runID, len(logged))
	go run.execute()
	return run, nil
}

// ResumeAll возобновляет все незавершенные корневые запуски; дочерние
// пропускаются, их заново ведет родитель. Возвращает число возобновленных.
func (h *Host) ResumeAll(ctx context.Context, build func(rec *RunRecord) Saga, opts RunOptions) (int, error) {
	records, err := h.runRepo.ListByStatus(ctx, RunStatusRunning)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range records {
		rec := &records[i]
		if rec.ParentID != "" {
			continue
		}
		if _, rerr := h.ResumeRun(ctx, rec.RunID, build(rec), opts); rerr != nil {
			h.logger.Printf("[ERROR] RunID=%s: не удалось возобновить запуск: %v", rec.RunID, rerr)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// startChild запускает дочернюю сагу с независимой идентичностью и ссылкой на родителя.
// При повторном исполнении родителя уже завершенный дочерний запуск отдается из БД.
func (h *Host) startChild(ctx context.Context, parentID, childID string, saga Saga, input interface{}, opts RunOptions) (*Run, error) {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации входных данных дочерней саги %s: %w", childID, err)
	}

	rec := &RunRecord{
		RunID:       childID,
		ParentID:    parentID,
		ExecutionID: uuid.NewString(),
		Status:      RunStatusRunning,
		Input:       datatypes.JSON(inputBytes),
	}
	existed, err := h.runRepo.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}

	if existed {
		stored, gerr := h.runRepo.GetByID(ctx, childID)
		if gerr != nil {
			return nil, gerr
		}
		if stored.Status != RunStatusRunning {
			return h.finishedRun(stored, saga), nil
		}

		h.mu.RLock()
		active, ok := h.runs[childID]
		h.mu.RUnlock()
		if ok {
			return active, nil
		}
		rec = stored
	}

	run := h.register(childID, parentID, rec.ExecutionID, saga, inputBytes, opts)
	h.logger.Printf("RunID=%s: дочерняя сага запущена (parent=%s)", childID, parentID)
	go run.execute()
	return run, nil
}

// SignalRun доставляет сигнал активному запуску по его стабильному ID
func (h *Host) SignalRun(runID, name string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сигнала %s для саги %s: %w", name, runID, err)
	}

	h.mu.RLock()
	run, ok := h.runs[runID]
	h.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}

	run.enqueueSignal(name, json.RawMessage(payloadBytes))
	h.logger.Printf("RunID=%s: сигнал %s поставлен в очередь", runID, name)
	return nil
}

// QueryStatus возвращает снимок состояния саги; никогда не блокируется и ничего не мутирует
func (h *Host) QueryStatus(runID string) (json.RawMessage, error) {
	h.mu.RLock()
	run, ok := h.runs[runID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.saga.Snapshot(), nil
}

// register добавляет запуск в реестр; завершенные запуски остаются в нем
// до конца жизни процесса, чтобы запросы статуса продолжали работать
func (h *Host) register(runID, parentID, executionID string, saga Saga, input json.RawMessage, opts RunOptions) *Run {
	run := &Run{
		id:          runID,
		parentID:    parentID,
		executionID: executionID,
		saga:        saga,
		input:       input,
		opts:        opts,
		host:        h,
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.runs[runID] = run
	h.mu.Unlock()
	return run
}

// finishedRun строит завершенный запуск из сохраненной записи
func (h *Host) finishedRun(rec *RunRecord, saga Saga) *Run {
	run := &Run{
		id:          rec.RunID,
		parentID:    rec.ParentID,
		executionID: rec.ExecutionID,
		saga:        saga,
		host:        h,
		done:        make(chan struct{}),
		result:      json.RawMessage(rec.Result),
	}
	if rec.Status == RunStatusFailed {
		run.err = errors.New(rec.Error)
	}
	close(run.done)
	return run
}

// execute исполняет тело саги и фиксирует итог в БД
func (r *Run) execute() {
	ctx := context.Background()
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	rctx := &RunContext{
		ctx:     ctx,
		run:     r,
		host:    r.host,
		stepSeq: make(map[string]int),
	}

	result, err := r.saga.Execute(rctx, r.input)

	status := RunStatusCompleted
	errMsg := ""
	if err != nil {
		status = RunStatusFailed
		errMsg = err.Error()
		r.host.logger.Printf("RunID=%s: сага завершилась ошибкой: %v", r.id, err)
	} else {
		r.host.logger.Printf("RunID=%s: сага успешно завершена", r.id)
	}

	if ferr := r.host.runRepo.Finish(context.Background(), r.id, status, datatypes.JSON(result), errMsg); ferr != nil {
		r.host.logger.Printf("[ERROR] RunID=%s: не удалось сохранить итог запуска: %v", r.id, ferr)
	}
	r.host.metrics.RunFinished(string(status))

	r.result = result
	r.err = err
	close(r.done)
}

// invokeWithRetry выполняет шаг с политикой повторов и таймаутом одной попытки
func (h *Host) invokeWithRetry(parent context.Context, runID, name string, fn StepFunc, opts StepOptions) (json.RawMessage, error) {
	pol := opts.Retry
	if pol.MaximumAttempts <= 0 {
		pol.MaximumAttempts = 1
	}
	if pol.BackoffCoefficient < 1 {
		pol.BackoffCoefficient = 1
	}

	interval := pol.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= pol.MaximumAttempts; attempt++ {
		h.metrics.StepAttempt(name)

		attemptCtx := parent
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(parent, opts.Timeout)
		}
		val, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			body, merr := json.Marshal(val)
			if merr != nil {
				return nil, fmt.Errorf("ошибка сериализации результата шага %s: %w", name, merr)
			}
			return body, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			h.logger.Printf("RunID=%s: шаг %s завершился неповторяемой ошибкой: %v", runID, name, err)
			return nil, err
		}
		if parent.Err() != nil {
			return nil, fmt.Errorf("запуск прерван во время шага %s: %w", name, parent.Err())
		}

		if attempt < pol.MaximumAttempts {
			h.logger.Printf("RunID=%s: шаг %s, попытка %d/%d завершилась ошибкой: %v. Повтор через %v",
				runID, name, attempt, pol.MaximumAttempts, err, interval)
			if interval > 0 {
				timer := time.NewTimer(interval)
				select {
				case <-timer.C:
				case <-parent.Done():
					timer.Stop()
					return nil, fmt.Errorf("запуск прерван во время шага %s: %w", name, parent.Err())
				}
			}
			interval = time.Duration(float64(interval) * pol.BackoffCoefficient)
			if pol.MaximumInterval > 0 && interval > pol.MaximumInterval {
				interval = pol.MaximumInterval
			}
		}
	}

	return nil, fmt.Errorf("шаг %s не выполнен после %d попыток: %w", name, pol.MaximumAttempts, lastErr)
}
