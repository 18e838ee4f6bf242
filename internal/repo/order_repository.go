package repo

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/director74/dz9_saga/internal/entity"
)

// OrderRepository интерфейс репозитория для работы с проекцией заказа
type OrderRepository interface {
	CreateIfAbsent(ctx context.Context, order *entity.Order) error
	GetByID(ctx context.Context, id string) (*entity.Order, error)
	UpdateState(ctx context.Context, orderID string, state entity.OrderState) error
	UpdateAddress(ctx context.Context, orderID string, address datatypes.JSON) error
}

// ErrOrderNotFound ошибка, когда заказ не найден
var ErrOrderNotFound = errors.New("заказ не найден")

// OrderRepositoryImpl реализация репозитория заказов на GORM
type OrderRepositoryImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &OrderRepositoryImpl{
		db: db,
	}
}

// CreateIfAbsent создает проекцию заказа; повторная вставка того же ID не является ошибкой
func (r *OrderRepositoryImpl) CreateIfAbsent(ctx context.Context, order *entity.Order) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(order).Error
}

func (r *OrderRepositoryImpl) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	var order entity.Order
	result := r.db.WithContext(ctx).First(&order, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, result.Error
	}
	return &order, nil
}

// UpdateState обновляет только состояние заказа
func (r *OrderRepositoryImpl) UpdateState(ctx context.Context, orderID string, state entity.OrderState) error {
	result := r.db.WithContext(ctx).Model(&entity.Order{}).Where("id = ?", orderID).Update("state", state)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateAddress обновляет адрес доставки заказа
func (r *OrderRepositoryImpl) UpdateAddress(ctx context.Context, orderID string, address datatypes.JSON) error {
	result := r.db.WithContext(ctx).Model(&entity.Order{}).Where("id = ?", orderID).Update("address", address)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}
