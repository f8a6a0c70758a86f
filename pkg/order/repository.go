// 文件: pkg/order/repository.go
package order

import (
	"context"

	"pmx.com/pkg/match"
)

type OrderRepository interface {
	// 创建
	Create(ctx context.Context, record *OrderRecord) error

	// 查询
	GetByOrderID(ctx context.Context, orderID int64) (*OrderRecord, error)
	GetActiveByUser(ctx context.Context, userID int64) ([]*OrderRecord, error)
	GetOpenByMarket(ctx context.Context, marketID int64) ([]*OrderRecord, error)
	ListByUserAndMarket(ctx context.Context, userID, marketID int64, limit int) ([]*OrderRecord, error)

	// 更新
	UpdateFill(ctx context.Context, orderID, filledQty, avgPrice int64, status match.OrderStatus) error
	UpdateStatus(ctx context.Context, orderID int64, status match.OrderStatus) error
}
