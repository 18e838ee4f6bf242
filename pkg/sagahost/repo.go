package sagahost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunStatus статус запуска саги
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord строка о запуске саги; первичный ключ — стабильный внешний ID запуска.
// Вставка insert-if-absent по этому ключу и есть механизм дедупликации повторных стартов.
type RunRecord struct {
	RunID       string         `gorm:"primaryKey;type:varchar(255)"`
	ParentID    string         `gorm:"type:varchar(255);index"`
	ExecutionID string         `gorm:"type:varchar(64)"`
	Status      RunStatus      `gorm:"not null;type:varchar(32);index"`
	Input       datatypes.JSON `gorm:"type:json"`
	Result      datatypes.JSON `gorm:"type:json"`
	Error       string         `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName задает имя таблицы для GORM
func (RunRecord) TableName() string {
	return "saga_runs"
}

// StepResult закэшированный результат шага, ключ (run_id, step_id).
// Благодаря этой таблице повторное исполнение тела саги после сбоя
// отдает завершенные шаги без повторного вызова побочных эффектов.
type StepResult struct {
	RunID     string         `gorm:"primaryKey;type:varchar(255)"`
	StepID    string         `gorm:"primaryKey;type:varchar(255)"`
	Result    datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time
}

// TableName задает имя таблицы для GORM
func (StepResult) TableName() string {
	return "saga_step_results"
}

// SignalRecord примененный сигнал в журнале запуска, ключ (run_id, seq).
// При возобновлении после сбоя журнал проигрывается заново, чтобы
// состояние саги восстановилось таким же, каким оно было до сбоя.
type SignalRecord struct {
	RunID     string         `gorm:"primaryKey;type:varchar(255)"`
	Seq       int            `gorm:"primaryKey"`
	Name      string         `gorm:"not null;type:varchar(255)"`
	Payload   datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time
}

// TableName задает имя таблицы для GORM
func (SignalRecord) TableName() string {
	return "saga_signal_log"
}

// Models возвращает модели хоста для автомиграции
func Models() []interface{} {
	return []interface{}{&RunRecord{}, &StepResult{}, &SignalRecord{}}
}

// RunRepository интерфейс для работы с записями о запусках саг
type RunRepository interface {
	InsertIfAbsent(ctx context.Context, rec *RunRecord) (bool, error)
	GetByID(ctx context.Context, runID string) (*RunRecord, error)
	ListByStatus(ctx context.Context, status RunStatus) ([]RunRecord, error)
	Finish(ctx context.Context, runID string, status RunStatus, result datatypes.JSON, errMsg string) error
}

// StepResultRepository интерфейс кэша результатов шагов
type StepResultRepository interface {
	GetByID(ctx context.Context, runID, stepID string) (*StepResult, error)
	Save(ctx context.Context, res *StepResult) error
}

// SignalLogRepository интерфейс журнала примененных сигналов
type SignalLogRepository interface {
	Append(ctx context.Context, rec *SignalRecord) error
	ListByRun(ctx context.Context, runID string) ([]SignalRecord, error)
}

// runRepository реализация RunRepository на GORM
type runRepository struct {
	db *gorm.DB
}

// NewRunRepository создает репозиторий запусков саг
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

// InsertIfAbsent вставляет запись, если ее еще нет; возвращает true, если запись уже существовала
func (r *runRepository) InsertIfAbsent(ctx context.Context, rec *RunRecord) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("ошибка создания записи о запуске %s: %w", rec.RunID, result.Error)
	}
	return result.RowsAffected == 0, nil
}

func (r *runRepository) GetByID(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	result := r.db.WithContext(ctx).First(&rec, "run_id = ?", runID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, result.Error
		}
		return nil, fmt.Errorf("ошибка получения записи о запуске %s: %w", runID, result.Error)
	}
	return &rec, nil
}

// ListByStatus возвращает все записи о запусках в заданном статусе
func (r *runRepository) ListByStatus(ctx context.Context, status RunStatus) ([]RunRecord, error) {
	var records []RunRecord
	result := r.db.WithContext(ctx).Where("status = ?", status).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("ошибка выборки запусков в статусе %s: %w", status, result.Error)
	}
	return records, nil
}

// Finish переводит запись о запуске в конечный статус и сохраняет результат
func (r *runRepository) Finish(ctx context.Context, runID string, status RunStatus, result datatypes.JSON, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&RunRecord{}).Where("run_id = ?", runID).Updates(map[string]interface{}{
		"status":     status,
		"result":     result,
		"error":      errMsg,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("ошибка завершения записи о запуске %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// stepResultRepository реализация StepResultRepository на GORM
type stepResultRepository struct {
	db *gorm.DB
}

// NewStepResultRepository создает репозиторий кэша результатов шагов
func NewStepResultRepository(db *gorm.DB) StepResultRepository {
	return &stepResultRepository{db: db}
}

// GetByID возвращает результат шага или nil, если шаг еще не выполнялся
func (r *stepResultRepository) GetByID(ctx context.Context, runID, stepID string) (*StepResult, error) {
	var res StepResult
	result := r.db.WithContext(ctx).First(&res, "run_id = ? AND step_id = ?", runID, stepID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения результата шага %s/%s: %w", runID, stepID, result.Error)
	}
	return &res, nil
}

// Save сохраняет результат шага; повторная запись того же ключа игнорируется
func (r *stepResultRepository) Save(ctx context.Context, res *StepResult) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(res)
	if result.Error != nil {
		return fmt.Errorf("ошибка сохранения результата шага %s/%s: %w", res.RunID, res.StepID, result.Error)
	}
	return nil
}

// signalLogRepository реализация SignalLogRepository на GORM
type signalLogRepository struct {
	db *gorm.DB
}

// NewSignalLogRepository создает репозиторий журнала сигналов
func NewSignalLogRepository(db *gorm.DB) SignalLogRepository {
	return &signalLogRepository{db: db}
}

// Append дописывает сигнал в журнал; повторная запись того же ключа игнорируется
func (r *signalLogRepository) Append(ctx context.Context, rec *SignalRecord) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("ошибка записи сигнала %s в журнал запуска %s: %w", rec.Name, rec.RunID, result.Error)
	}
	return nil
}

// ListByRun возвращает журнал сигналов запуска в порядке применения
func (r *signalLogRepository) ListByRun(ctx context.Context, runID string) ([]SignalRecord, error) {
	var records []SignalRecord
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("ошибка чтения журнала сигналов запуска %s: %w", runID, result.Error)
	}
	return records, nil
}
