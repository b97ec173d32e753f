package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/utils"
)

// Order is owned by the marketplace's order service. The engine reads it and
// never writes it: milestones and escrow rows reference orders by id only.
type Order struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderNumber string          `gorm:"size:64;index" json:"order_number"`
	CustomerId  int             `gorm:"index;not null" json:"customer_id"`
	TailorId    int             `gorm:"index;not null" json:"tailor_id"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_amount"`
	Status      OrderStatus     `gorm:"size:20;not null;index" json:"status"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InActiveProduction reports whether milestones may be processed for the order.
func (o *Order) InActiveProduction() bool {
	return o.Status == OrderStatusInProduction
}

func GetOrderById(tx *gorm.DB, orderId int) (*Order, error) {
	var order Order
	if err := tx.Where("id = ?", orderId).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}
