package sagahost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RunContext передается телу саги и дает ей доступ к шагам, таймерам,
// дочерним сагам и обмену сигналами. Сигналы применяются только в точках
// приостановки, поэтому обработчики никогда не работают параллельно телу.
type RunContext struct {
	ctx     context.Context
	run     *Run
	host    *Host
	stepSeq map[string]int
}

// Context возвращает контекст запуска (учитывает таймаут всей саги)
func (c *RunContext) Context() context.Context {
	return c.ctx
}

// RunID возвращает стабильный идентификатор запуска
func (c *RunContext) RunID() string {
	return c.run.id
}

// ParentID возвращает идентификатор родительского запуска, либо пустую строку
func (c *RunContext) ParentID() string {
	return c.run.parentID
}

// ExecutionID возвращает идентификатор текущего исполнения
func (c *RunContext) ExecutionID() string {
	return c.run.executionID
}

// applySignals применяет накопленные сигналы в порядке поступления.
// Новые сигналы перед применением заносятся в журнал, чтобы возобновление
// после сбоя восстановило то же состояние; проигрываемые из журнала
// не записываются повторно.
func (c *RunContext) applySignals() {
	for _, msg := range c.run.takeSignals() {
		if !msg.replayed {
			c.run.sigSeq++
			if err := c.host.signalRepo.Append(context.Background(), &SignalRecord{
				RunID:   c.run.id,
				Seq:     c.run.sigSeq,
				Name:    msg.name,
				Payload: datatypes.JSON(msg.payload),
			}); err != nil {
				c.host.logger.Printf("[ERROR] RunID=%s: не удалось занести сигнал %s в журнал: %v", c.run.id, msg.name, err)
			}
		}
		c.run.saga.HandleSignal(msg.name, msg.payload)
		if !msg.replayed {
			c.host.metrics.SignalApplied(msg.name)
		}
	}
}

// ExecuteStep выполняет шаг с повторами и кэшированием результата.
// Повторное исполнение того же шага после возобновления берет результат
// из кэша и не вызывает функцию второй раз.
func (c *RunContext) ExecuteStep(name string, fn StepFunc, opts *StepOptions) (json.RawMessage, error) {
	c.applySignals()
	defer c.applySignals()

	c.stepSeq[name]++
	stepID := fmt.Sprintf("%s#%d", name, c.stepSeq[name])

	cached, err := c.host.stepRepo.GetByID(c.ctx, c.run.id, stepID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения кэша шага %s: %w", stepID, err)
	}
	if cached != nil {
		c.host.metrics.StepReplayed(name)
		c.host.logger.Printf("RunID=%s: шаг %s взят из кэша", c.run.id, stepID)
		return json.RawMessage(cached.Result), nil
	}

	effective := c.host.defaults
	if opts != nil {
		effective = *opts
	}

	body, err := c.host.invokeWithRetry(c.ctx, c.run.id, name, fn, effective)
	if err != nil {
		return nil, err
	}

	if serr := c.host.stepRepo.Save(c.ctx, &StepResult{
		RunID:  c.run.id,
		StepID: stepID,
		Result: datatypes.JSON(body),
	}); serr != nil {
		return nil, fmt.Errorf("ошибка сохранения результата шага %s: %w", stepID, serr)
	}
	return body, nil
}

// Sleep приостанавливает сагу на заданный срок; это точка приостановки,
// сигналы применяются до и после ожидания
func (c *RunContext) Sleep(d time.Duration) error {
	c.applySignals()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.applySignals()
	return nil
}

// StartDetachedStep запускает шаг в фоне, не дожидаясь результата.
// Результат не кэшируется, ошибка только логируется.
func (c *RunContext) StartDetachedStep(name string, fn StepFunc, opts *StepOptions) {
	effective := c.host.defaults
	if opts != nil {
		effective = *opts
	}
	runID := c.run.id

	go func() {
		if _, err := c.host.invokeWithRetry(context.Background(), runID, name, fn, effective); err != nil {
			c.host.logger.Printf("[WARN] RunID=%s: фоновый шаг %s завершился ошибкой: %v", runID, name, err)
		}
	}()
}

// ExecuteChild запускает дочернюю сагу и дожидается ее завершения.
// Дочерний запуск получает собственную идентичность и собственный таймаут.
func (c *RunContext) ExecuteChild(childID string, saga Saga, input interface{}, opts RunOptions) (json.RawMessage, error) {
	c.applySignals()

	child, err := c.host.startChild(c.ctx, c.run.id, childID, saga, input, opts)
	if err != nil {
		return nil, err
	}

	result, err := child.Result(c.ctx)
	c.applySignals()
	return result, err
}

// SignalParent отправляет сигнал родительскому запуску
func (c *RunContext) SignalParent(name string, payload interface{}) error {
	if c.run.parentID == "" {
		return ErrRunNotFound
	}
	return c.host.SignalRun(c.run.parentID, name, payload)
}
