// 文件: pkg/market/repository.go
package market

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrStatusConflict 状态流转的前置状态不匹配 (并发结算/作废)
var ErrStatusConflict = errors.New("market status conflict")

type MarketRepository interface {
	Create(ctx context.Context, m *Market) error
	GetByID(ctx context.Context, id int64) (*Market, error)
	ListByStatus(ctx context.Context, status MarketStatus) ([]*Market, error)
	List(ctx context.Context, limit int) ([]*Market, error)

	// UpdateStatus 条件更新，from 不匹配时返回 ErrStatusConflict
	UpdateStatus(ctx context.Context, id int64, from, to MarketStatus) error
	SetResolution(ctx context.Context, id int64, resolution Resolution) error
	UpdateQuotes(ctx context.Context, id int64, yesPrice, noPrice, volumeDelta, sharesDelta int64) error
}

// =============================================================================
// MySQL 实现
// =============================================================================

type MySQLMarketRepository struct {
	db *gorm.DB
}

var _ MarketRepository = (*MySQLMarketRepository)(nil)

func NewMySQLMarketRepository(db *gorm.DB) *MySQLMarketRepository {
	return &MySQLMarketRepository{db: db}
}

func (r *MySQLMarketRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&Market{})
}

func (r *MySQLMarketRepository) Create(ctx context.Context, m *Market) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MySQLMarketRepository) GetByID(ctx context.Context, id int64) (*Market, error) {
	var m Market
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MySQLMarketRepository) ListByStatus(ctx context.Context, status MarketStatus) ([]*Market, error) {
	var markets []*Market
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Find(&markets).Error
	return markets, err
}

func (r *MySQLMarketRepository) List(ctx context.Context, limit int) ([]*Market, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var markets []*Market
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&markets).Error
	return markets, err
}

// UpdateStatus 乐观状态流转: WHERE status = from 保证并发安全
func (r *MySQLMarketRepository) UpdateStatus(ctx context.Context, id int64, from, to MarketStatus) error {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to == StatusSettled || to == StatusCancelled {
		updates["settled_at"] = time.Now().UnixNano()
	}

	result := r.db.WithContext(ctx).
		Model(&Market{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *MySQLMarketRepository) SetResolution(ctx context.Context, id int64, resolution Resolution) error {
	return r.db.WithContext(ctx).
		Model(&Market{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"resolution": resolution,
			"updated_at": time.Now(),
		}).Error
}

// UpdateQuotes 成交后更新行情与累计量
func (r *MySQLMarketRepository) UpdateQuotes(ctx context.Context, id int64, yesPrice, noPrice, volumeDelta, sharesDelta int64) error {
	updates := map[string]any{
		"updated_at": time.Now(),
	}
	if yesPrice > 0 {
		updates["last_yes_price"] = yesPrice
	}
	if noPrice > 0 {
		updates["last_no_price"] = noPrice
	}
	if volumeDelta != 0 {
		updates["volume"] = gorm.Expr("volume + ?", volumeDelta)
	}
	if sharesDelta != 0 {
		updates["shares_outstanding"] = gorm.Expr("shares_outstanding + ?", sharesDelta)
	}

	return r.db.WithContext(ctx).
		Model(&Market{}).
		Where("id = ?", id).
		Updates(updates).Error
}
