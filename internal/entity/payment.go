package entity

import "time"

// PaymentStatus статус платежа
type PaymentStatus string

const (
	PaymentStatusCharged PaymentStatus = "charged"
)

// Payment запись о списании. Первичный ключ по PaymentID делает списание
// идемпотентным: повторная попытка с тем же ID не создает второй платеж.
type Payment struct {
	PaymentID string        `json:"payment_id" gorm:"primaryKey;type:varchar(255)"`
	OrderID   string        `json:"order_id" gorm:"index"`
	Status    PaymentStatus `json:"status"`
	Amount    int64         `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}

// TableName имя таблицы платежей
func (Payment) TableName() string {
	return "payments"
}
