// 文件: pkg/journal/repo.go
// 交易流水 - MySQL 仓储
//
// 流水表只追加不更新。event_id 唯一索引 + INSERT IGNORE，
// 消息队列重投递时写入天然幂等。

package journal

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionRepo 流水仓储
type TransactionRepo struct {
	db *gorm.DB
}

// NewTransactionRepo 创建流水仓储
func NewTransactionRepo(db *gorm.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// AutoMigrate 建表
func (r *TransactionRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&TransactionRecord{})
}

// BatchInsert 批量写入，重复 event_id 静默跳过
func (r *TransactionRepo) BatchInsert(ctx context.Context, records []*TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.Insert{Modifier: "IGNORE"}).
		CreateInBatches(records, 100).
		Error
	if err != nil {
		return fmt.Errorf("batch insert transactions: %w", err)
	}
	return nil
}

// ListByUser 用户流水，按时间倒序
func (r *TransactionRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*TransactionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListByUserAndType 用户某类流水
func (r *TransactionRepo) ListByUserAndType(ctx context.Context, userID int64, txType TxType, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*TransactionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, txType).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListByMarket 某市场在时间段内的流水 (对账用)
func (r *TransactionRepo) ListByMarket(ctx context.Context, marketID int64, since, until time.Time) ([]*TransactionRecord, error) {
	var records []*TransactionRecord
	err := r.db.WithContext(ctx).
		Where("market_id = ? AND created_at >= ? AND created_at < ?", marketID, since, until).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// SumByUser 用户现金流水净额 (对账: 应等于当前权益变动)
func (r *TransactionRepo) SumByUser(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&TransactionRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
