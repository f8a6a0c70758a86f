// 文件: pkg/order/model.go
// 订单持久化模型
//
// 撮合引擎内存中的订单是 match.Order，这里是它的数据库镜像:
// 下单时落库，成交/撤单事件驱动状态更新，重启时读回未完结
// 订单恢复订单簿。枚举直接复用 match 包的类型，避免双向换算。

package order

import (
	"time"

	"pmx.com/pkg/match"
)

// OrderRecord 订单表
type OrderRecord struct {
	ID      uint  `gorm:"primaryKey;autoIncrement"`
	OrderID int64 `gorm:"column:order_id;uniqueIndex"` // 雪花 ID

	UserID   int64 `gorm:"column:user_id;index"`
	MarketID int64 `gorm:"column:market_id;index:idx_market_status"`

	Contract  match.Contract  `gorm:"column:contract"`
	Side      match.Side      `gorm:"column:side"`
	OrderType match.OrderType `gorm:"column:order_type"`

	Price int64 `gorm:"column:price"` // 美分 1-99，市价单为 0
	Qty   int64 `gorm:"column:qty"`

	FilledQty int64             `gorm:"column:filled_qty"`
	AvgPrice  int64             `gorm:"column:avg_price"` // 成交均价 (美分)
	Status    match.OrderStatus `gorm:"column:status;index:idx_market_status"`

	CreatedAt int64 `gorm:"column:created_at;index"` // unix nano，与撮合时间戳同源
	UpdatedAt int64 `gorm:"column:updated_at"`
}

// TableName 表名
func (OrderRecord) TableName() string {
	return "orders"
}

// IsActive 是否仍可成交/撤销
func (r *OrderRecord) IsActive() bool {
	return r.Status == match.OrderStatusOpen || r.Status == match.OrderStatusPartiallyFilled
}

// RemainingQty 剩余数量
func (r *OrderRecord) RemainingQty() int64 {
	return r.Qty - r.FilledQty
}

// FromMatchOrder 内存订单 → 数据库记录
func FromMatchOrder(o *match.Order) *OrderRecord {
	return &OrderRecord{
		OrderID:   o.ID,
		UserID:    o.UserID,
		MarketID:  o.MarketID,
		Contract:  o.Contract,
		Side:      o.Side,
		OrderType: o.Type,
		Price:     o.Price,
		Qty:       o.Qty,
		FilledQty: o.FilledQty,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		UpdatedAt: time.Now().UnixNano(),
	}
}

// ToMatchOrder 数据库记录 → 内存订单 (恢复订单簿用)
func (r *OrderRecord) ToMatchOrder() *match.Order {
	return &match.Order{
		ID:        r.OrderID,
		UserID:    r.UserID,
		MarketID:  r.MarketID,
		Contract:  r.Contract,
		Side:      r.Side,
		Type:      r.OrderType,
		Price:     r.Price,
		Qty:       r.Qty,
		FilledQty: r.FilledQty,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}
