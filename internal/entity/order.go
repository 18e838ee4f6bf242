package entity

import (
	"time"

	"gorm.io/datatypes"
)

// OrderState состояние заказа в жизненном цикле саги
type OrderState string

const (
	OrderStateReceived       OrderState = "received"
	OrderStateValidated      OrderState = "validated"
	OrderStateShipped        OrderState = "shipped"
	OrderStateCancelled      OrderState = "cancelled"
	OrderStateShippingFailed OrderState = "shipping_failed"
)

// Order хранит проекцию заказа, которую ведет сага по ходу исполнения
type Order struct {
	ID        string         `json:"id" gorm:"primaryKey;type:varchar(255)"`
	State     OrderState     `json:"state"`
	Address   datatypes.JSON `json:"address,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName имя таблицы заказов
func (Order) TableName() string {
	return "orders"
}

// OrderItem позиция заказа
type OrderItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// StartOrderRequest запрос на запуск обработки заказа
type StartOrderRequest struct {
	PaymentID string                 `json:"payment_id"`
	Items     []OrderItem            `json:"items"`
	Address   map[string]interface{} `json:"address,omitempty"`
}

// StartOrderResponse ответ на запуск обработки заказа
type StartOrderResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// UpdateAddressRequest запрос на смену адреса доставки
type UpdateAddressRequest struct {
	Address map[string]interface{} `json:"address" binding:"required"`
}
