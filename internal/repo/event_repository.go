package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/director74/dz9_saga/internal/entity"
)

// EventRepository интерфейс репозитория журнала событий
type EventRepository interface {
	Append(ctx context.Context, event *entity.Event) error
	GetRecent(ctx context.Context, orderID string, limit int) ([]entity.Event, error)
}

// EventRepositoryImpl реализация репозитория событий на GORM
type EventRepositoryImpl struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &EventRepositoryImpl{
		db: db,
	}
}

func (r *EventRepositoryImpl) Append(ctx context.Context, event *entity.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// GetRecent возвращает последние события заказа, новые первыми
func (r *EventRepositoryImpl) GetRecent(ctx context.Context, orderID string, limit int) ([]entity.Event, error) {
	var events []entity.Event
	result := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("ts DESC, id DESC").
		Limit(limit).
		Find(&events)

	if result.Error != nil {
		return nil, result.Error
	}
	return events, nil
}
