// 文件: pkg/trading/trade_repo.go
// 成交记录持久化

package trading

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pmx.com/pkg/match"
)

// TradeRecord 成交表，成交一旦写入不再修改
type TradeRecord struct {
	ID       int64           `gorm:"primaryKey;autoIncrement:false"` // 成交 ID
	MarketID int64           `gorm:"index:idx_market_time"`
	Type     match.TradeType `gorm:"index"`
	Contract match.Contract

	Price    int64 // DIRECT: 1-99；MINT: 100；MERGE: 0
	Qty      int64
	YesPrice int64 // MINT/MERGE 双边限价
	NoPrice  int64

	TakerOrderID int64 `gorm:"index"`
	MakerOrderID int64 `gorm:"index"`
	TakerUserID  int64 `gorm:"index"`
	MakerUserID  int64

	ExecutedAt int64 `gorm:"index:idx_market_time"` // unix nano
}

// TableName 表名
func (TradeRecord) TableName() string {
	return "trades"
}

// TradeRecordFrom 撮合成交 → 数据库记录
func TradeRecordFrom(t *match.Trade) *TradeRecord {
	return &TradeRecord{
		ID:           t.ID,
		MarketID:     t.MarketID,
		Type:         t.Type,
		Contract:     t.Contract,
		Price:        t.Price,
		Qty:          t.Qty,
		YesPrice:     t.YesPrice,
		NoPrice:      t.NoPrice,
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		TakerUserID:  t.TakerUserID,
		MakerUserID:  t.MakerUserID,
		ExecutedAt:   t.ExecutedAt,
	}
}

// TradeRepo 成交仓储
type TradeRepo struct {
	db *gorm.DB
}

func NewTradeRepo(db *gorm.DB) *TradeRepo {
	return &TradeRepo{db: db}
}

func (r *TradeRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&TradeRecord{})
}

// Insert 写入成交，重复 ID 静默跳过 (WAL 回放可能重放事件)
func (r *TradeRepo) Insert(ctx context.Context, record *TradeRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.Insert{Modifier: "IGNORE"}).
		Create(record).Error
}

// ListByMarket 市场最近成交，时间倒序
func (r *TradeRepo) ListByMarket(ctx context.Context, marketID int64, limit int) ([]*TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*TradeRecord
	err := r.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListByUser 用户参与的成交
func (r *TradeRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []*TradeRecord
	err := r.db.WithContext(ctx).
		Where("taker_user_id = ? OR maker_user_id = ?", userID, userID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
