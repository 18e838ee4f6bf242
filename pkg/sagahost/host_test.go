package sagahost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:sagahost_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func newTestHost(t *testing.T) (*Host, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	defaults := StepOptions{
		Timeout: time.Second,
		Retry: RetryPolicy{
			MaximumAttempts:    1,
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
		},
	}
	host := NewHost(NewRunRepository(db), NewStepResultRepository(db), NewSignalLogRepository(db), defaults, log.New(io.Discard, "", 0), nil)
	return host, db
}

// scriptSaga сага с подставным телом для тестов хоста
type scriptSaga struct {
	body func(ctx *RunContext) (json.RawMessage, error)

	mu      sync.Mutex
	signals []string
}

func (s *scriptSaga) Execute(ctx *RunContext, input json.RawMessage) (json.RawMessage, error) {
	return s.body(ctx)
}

func (s *scriptSaga) HandleSignal(name string, payload json.RawMessage) {
	s.mu.Lock()
	s.signals = append(s.signals, name)
	s.mu.Unlock()
}

func (s *scriptSaga) Snapshot() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, _ := json.Marshal(map[string]interface{}{"signals": s.signals})
	return body
}

func (s *scriptSaga) receivedSignals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func TestStartRunDuplicateRejected(t *testing.T) {
	host, _ := newTestHost(t)

	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}

	run, err := host.StartRun(context.Background(), "run-dup", saga, nil, RunOptions{})
	require.NoError(t, err)

	_, err = host.StartRun(context.Background(), "run-dup", &scriptSaga{}, nil, RunOptions{})
	assert.ErrorIs(t, err, ErrRunAlreadyStarted)

	_, err = run.Result(context.Background())
	require.NoError(t, err)

	// Повторный старт отклоняется и после завершения запуска
	_, err = host.StartRun(context.Background(), "run-dup", &scriptSaga{}, nil, RunOptions{})
	assert.ErrorIs(t, err, ErrRunAlreadyStarted)
}

func TestStepRetriesBounded(t *testing.T) {
	host, _ := newTestHost(t)

	var calls int
	opts := &StepOptions{
		Timeout: time.Second,
		Retry: RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
		},
	}
	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		return ctx.ExecuteStep("flaky", func(c context.Context) (interface{}, error) {
			calls++
			return nil, fmt.Errorf("временный сбой")
		}, opts)
	}}

	run, err := host.StartRun(context.Background(), "run-retry", saga, nil, RunOptions{})
	require.NoError(t, err)

	_, err = run.Result(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "после 3 попыток")
}

func TestNonRetryableErrorShortCircuits(t *testing.T) {
	host, _ := newTestHost(t)

	var calls int
	opts := &StepOptions{
		Timeout: time.Second,
		Retry: RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
		},
	}
	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		return ctx.ExecuteStep("fatal", func(c context.Context) (interface{}, error) {
			calls++
			return nil, NewNonRetryableError(fmt.Errorf("бизнес-отказ"))
		}, opts)
	}}

	run, err := host.StartRun(context.Background(), "run-fatal", saga, nil, RunOptions{})
	require.NoError(t, err)

	_, err = run.Result(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
}

func TestStepResultCachedAcrossSteps(t *testing.T) {
	host, _ := newTestHost(t)

	type payload struct {
		Value int `json:"value"`
	}

	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		raw, err := ctx.ExecuteStep("compute", func(c context.Context) (interface{}, error) {
			return payload{Value: 42}, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}}

	run, err := host.StartRun(context.Background(), "run-cache", saga, nil, RunOptions{})
	require.NoError(t, err)

	result, err := run.Result(context.Background())
	require.NoError(t, err)

	var got payload
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, 42, got.Value)
}

func TestResumeReplaysCachedSteps(t *testing.T) {
	host, db := newTestHost(t)

	// Имитация упавшего процесса: запись о незавершенном запуске и
	// закэшированный результат первого шага уже лежат в БД
	require.NoError(t, db.Create(&RunRecord{
		RunID:       "run-resume",
		ExecutionID: uuid.NewString(),
		Status:      RunStatusRunning,
		Input:       datatypes.JSON(`{}`),
	}).Error)
	require.NoError(t, db.Create(&StepResult{
		RunID:  "run-resume",
		StepID: "step_a#1",
		Result: datatypes.JSON(`{"cached":true}`),
	}).Error)

	var callsA, callsB int
	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		rawA, err := ctx.ExecuteStep("step_a", func(c context.Context) (interface{}, error) {
			callsA++
			return map[string]bool{"cached": false}, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.ExecuteStep("step_b", func(c context.Context) (interface{}, error) {
			callsB++
			return nil, nil
		}, nil); err != nil {
			return nil, err
		}
		return rawA, nil
	}}

	run, err := host.ResumeRun(context.Background(), "run-resume", saga, RunOptions{})
	require.NoError(t, err)

	result, err := run.Result(context.Background())
	require.NoError(t, err)

	// Завершенный до сбоя шаг не вызывается повторно, его результат взят из кэша
	assert.Equal(t, 0, callsA)
	assert.Equal(t, 1, callsB)
	assert.JSONEq(t, `{"cached":true}`, string(result))

	var rec RunRecord
	require.NoError(t, db.First(&rec, "run_id = ?", "run-resume").Error)
	assert.Equal(t, RunStatusCompleted, rec.Status)
}

func TestResumeReappliesLoggedSignals(t *testing.T) {
	host, db := newTestHost(t)

	// До сбоя запуск успел применить сигнал отмены: он лежит в журнале,
	// а запись о запуске еще не завершена
	require.NoError(t, db.Create(&RunRecord{
		RunID:       "run-siglog",
		ExecutionID: uuid.NewString(),
		Status:      RunStatusRunning,
		Input:       datatypes.JSON(`{}`),
	}).Error)
	require.NoError(t, db.Create(&SignalRecord{
		RunID:   "run-siglog",
		Seq:     1,
		Name:    "cancel",
		Payload: datatypes.JSON(`null`),
	}).Error)

	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		if err := ctx.Sleep(time.Millisecond); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	}}

	run, err := host.ResumeRun(context.Background(), "run-siglog", saga, RunOptions{})
	require.NoError(t, err)

	_, err = run.Result(context.Background())
	require.NoError(t, err)

	// Сигнал из журнала применен заново и не занесен в журнал повторно
	assert.Equal(t, []string{"cancel"}, saga.receivedSignals())
	var count int64
	require.NoError(t, db.Model(&SignalRecord{}).Where("run_id = ?", "run-siglog").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRetryBackoffAbortsOnRunTimeout(t *testing.T) {
	host, _ := newTestHost(t)

	var calls int
	opts := &StepOptions{
		Timeout: time.Second,
		Retry: RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	}
	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		return ctx.ExecuteStep("stuck", func(c context.Context) (interface{}, error) {
			calls++
			return nil, fmt.Errorf("временный сбой")
		}, opts)
	}}

	run, err := host.StartRun(context.Background(), "run-backoff", saga, nil, RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = run.Result(context.Background())
	require.Error(t, err)

	// Таймаут запуска прерывает ожидание перед повтором, а не досиживает его
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "запуск прерван")
	assert.Equal(t, 1, calls)
}

func TestResumeFinishedRunReturnsStoredResult(t *testing.T) {
	host, db := newTestHost(t)

	require.NoError(t, db.Create(&RunRecord{
		RunID:       "run-done",
		ExecutionID: uuid.NewString(),
		Status:      RunStatusCompleted,
		Input:       datatypes.JSON(`{}`),
		Result:      datatypes.JSON(`{"status":"shipped"}`),
	}).Error)

	run, err := host.ResumeRun(context.Background(), "run-done", &scriptSaga{}, RunOptions{})
	require.NoError(t, err)

	result, err := run.Result(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"shipped"}`, string(result))
}

func TestResumeUnknownRun(t *testing.T) {
	host, _ := newTestHost(t)

	_, err := host.ResumeRun(context.Background(), "run-missing", &scriptSaga{}, RunOptions{})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSignalsAppliedInOrderAtSuspensionPoints(t *testing.T) {
	host, db := newTestHost(t)

	started := make(chan struct{})
	release := make(chan struct{})

	saga := &scriptSaga{}
	saga.body = func(ctx *RunContext) (json.RawMessage, error) {
		close(started)
		<-release
		// Сигналы, накопленные за время работы шага, применяются при
		// ближайшей приостановке
		if err := ctx.Sleep(time.Millisecond); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	}

	run, err := host.StartRun(context.Background(), "run-signals", saga, nil, RunOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, host.SignalRun("run-signals", "first", nil))
	require.NoError(t, host.SignalRun("run-signals", "second", nil))
	require.NoError(t, host.SignalRun("run-signals", "third", nil))
	close(release)

	_, err = run.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, saga.receivedSignals())

	// Каждый примененный сигнал занесен в журнал под своим номером
	var logged []SignalRecord
	require.NoError(t, db.Where("run_id = ?", "run-signals").Order("seq ASC").Find(&logged).Error)
	require.Len(t, logged, 3)
	assert.Equal(t, "first", logged[0].Name)
	assert.Equal(t, 3, logged[2].Seq)
}

func TestSignalUnknownRun(t *testing.T) {
	host, _ := newTestHost(t)

	err := host.SignalRun("run-absent", "cancel", nil)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestQueryStatus(t *testing.T) {
	host, _ := newTestHost(t)

	_, err := host.QueryStatus("run-absent")
	assert.ErrorIs(t, err, ErrRunNotFound)

	release := make(chan struct{})
	saga := &scriptSaga{body: func(ctx *RunContext) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	}}

	run, err := host.StartRun(context.Background(), "run-query", saga, nil, RunOptions{})
	require.NoError(t, err)

	snapshot, err := host.QueryStatus("run-query")
	require.NoError(t, err)
	assert.JSONEq(t, `{"signals":null}`, string(snapshot))

	close(release)
	_, err = run.Result(context.Background())
	require.NoError(t, err)

	// Снимок доступен и после завершения запуска
	_, err = host.QueryStatus("run-query")
	assert.NoError(t, err)
}

func TestChildRunSignalsParent(t *testing.T) {
	host, _ := newTestHost(t)

	parent := &scriptSaga{}
	parent.body = func(ctx *RunContext) (json.RawMessage, error) {
		child := &scriptSaga{body: func(cctx *RunContext) (json.RawMessage, error) {
			if err := cctx.SignalParent("escalated", map[string]string{"reason": "carrier down"}); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("срыв отгрузки")
		}}

		_, err := ctx.ExecuteChild("child-1", child, nil, RunOptions{Timeout: time.Second})
		if err == nil {
			return nil, fmt.Errorf("ожидался сбой дочерней саги")
		}
		return json.RawMessage(`{}`), nil
	}

	run, err := host.StartRun(context.Background(), "run-parent", parent, nil, RunOptions{})
	require.NoError(t, err)

	_, err = run.Result(context.Background())
	require.NoError(t, err)

	// Сигнал от дочерней саги применен до возврата из ожидания результата
	assert.Equal(t, []string{"escalated"}, parent.receivedSignals())
}

func TestChildRunTimeout(t *testing.T) {
	host, _ := newTestHost(t)

	parent := &scriptSaga{}
	parent.body = func(ctx *RunContext) (json.RawMessage, error) {
		child := &scriptSaga{body: func(cctx *RunContext) (json.RawMessage, error) {
			return nil, cctx.Sleep(5 * time.Second)
		}}

		_, err := ctx.ExecuteChild("child-slow", child, nil, RunOptions{Timeout: 50 * time.Millisecond})
		if err != nil {
			return json.RawMessage(`{"child_failed":true}`), nil
		}
		return nil, fmt.Errorf("ожидался таймаут дочерней саги")
	}

	run, err := host.StartRun(context.Background(), "run-timeout-parent", parent, nil, RunOptions{})
	require.NoError(t, err)

	result, err := run.Result(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"child_failed":true}`, string(result))
}
