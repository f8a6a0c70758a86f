// 文件: pkg/order/mysql_repo.go
package order

import (
	"context"
	"time"

	"gorm.io/gorm"

	"pmx.com/pkg/match"
)

var activeStatuses = []match.OrderStatus{match.OrderStatusOpen, match.OrderStatusPartiallyFilled}

type MySQLOrderRepository struct {
	db *gorm.DB
}

var _ OrderRepository = (*MySQLOrderRepository)(nil)

func NewMySQLOrderRepository(db *gorm.DB) *MySQLOrderRepository {
	return &MySQLOrderRepository{db: db}
}

func (r *MySQLOrderRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&OrderRecord{})
}

func (r *MySQLOrderRepository) Create(ctx context.Context, record *OrderRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *MySQLOrderRepository) GetByOrderID(ctx context.Context, orderID int64) (*OrderRecord, error) {
	var record OrderRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *MySQLOrderRepository) GetActiveByUser(ctx context.Context, userID int64) ([]*OrderRecord, error) {
	var records []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, activeStatuses).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}

// GetOpenByMarket 市场的全部未完结订单，按创建时间升序
// 重启恢复订单簿时要按原始时间顺序回放，价格相同时时间优先
func (r *MySQLOrderRepository) GetOpenByMarket(ctx context.Context, marketID int64) ([]*OrderRecord, error) {
	var records []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("market_id = ? AND status IN ?", marketID, activeStatuses).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

func (r *MySQLOrderRepository) ListByUserAndMarket(ctx context.Context, userID, marketID int64, limit int) ([]*OrderRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND market_id = ?", userID, marketID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *MySQLOrderRepository) UpdateFill(ctx context.Context, orderID, filledQty, avgPrice int64, status match.OrderStatus) error {
	return r.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{
			"filled_qty": filledQty,
			"avg_price":  avgPrice,
			"status":     status,
			"updated_at": time.Now().UnixNano(),
		}).Error
}

func (r *MySQLOrderRepository) UpdateStatus(ctx context.Context, orderID int64, status match.OrderStatus) error {
	return r.db.WithContext(ctx).
		Model(&OrderRecord{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UnixNano(),
		}).Error
}
