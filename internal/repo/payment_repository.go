package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/director74/dz9_saga/internal/entity"
)

// PaymentRepository интерфейс репозитория платежей
type PaymentRepository interface {
	InsertIfAbsent(ctx context.Context, payment *entity.Payment) (bool, error)
	GetByID(ctx context.Context, paymentID string) (*entity.Payment, error)
}

// ErrPaymentNotFound ошибка, когда платеж не найден
var ErrPaymentNotFound = errors.New("платеж не найден")

// PaymentRepositoryImpl реализация репозитория платежей на GORM
type PaymentRepositoryImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &PaymentRepositoryImpl{
		db: db,
	}
}

// InsertIfAbsent вставляет платеж, если его еще нет. Возвращает true,
// когда платеж с таким ID уже существовал и списание не выполнялось.
func (r *PaymentRepositoryImpl) InsertIfAbsent(ctx context.Context, payment *entity.Payment) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(payment)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 0, nil
}

func (r *PaymentRepositoryImpl) GetByID(ctx context.Context, paymentID string) (*entity.Payment, error) {
	var payment entity.Payment
	result := r.db.WithContext(ctx).First(&payment, "payment_id = ?", paymentID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, result.Error
	}
	return &payment, nil
}
