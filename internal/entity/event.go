package entity

import (
	"time"

	"gorm.io/datatypes"
)

// Типы событий, которые сага пишет в журнал по ходу обработки заказа
const (
	EventOrderReceived    = "order_received"
	EventOrderValidated   = "order_validated"
	EventValidationFailed = "validation_failed"
	EventPaymentCharged   = "payment_charged"
	EventAddressUpdated   = "address_updated"
	EventPackagePrepared  = "package_prepared"
	EventCarrierDispatch  = "carrier_dispatched"
	EventDispatchFailed   = "dispatch_failed"
	EventOrderShipped     = "order_shipped"
)

// Event запись журнала событий заказа
type Event struct {
	ID      uint           `json:"id" gorm:"primaryKey"`
	OrderID string         `json:"order_id" gorm:"index"`
	Type    string         `json:"type"`
	Payload datatypes.JSON `json:"payload,omitempty"`
	Ts      time.Time      `json:"ts" gorm:"autoCreateTime"`
}

// TableName имя таблицы журнала событий
func (Event) TableName() string {
	return "events"
}
