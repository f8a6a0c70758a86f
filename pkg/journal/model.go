// 文件: pkg/journal/model.go
// 交易流水 - 事件定义
//
// 账本的每次变动都产生一条流水事件，经消息队列送到冷端:
// - DBWriter 消费写入 MySQL (审计 / 对账 / 历史查询)
// - 其它订阅方 (通知、风控) 各自消费
//
// Amount 带符号: 入账为正，出账为负，纯预留操作为 0。

package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// 消息主题
const (
	TopicTransactions = "pm_transactions" // 资金流水
	TopicTrades       = "pm_trades"       // 成交
)

// =============================================================================
// 流水类型
// =============================================================================

// TxType 流水类型
type TxType uint8

const (
	TxDeposit        TxType = iota + 1 // 入金 (+)
	TxWithdrawal                       // 出金 (−)
	TxTradeBuy                         // 买入成交付款 (−)
	TxTradeSell                        // 卖出成交收款 (+)
	TxSettlementWin                    // 结算赔付 (+)
	TxSettlementLoss                   // 结算归零 (0，只记份额)
	TxOrderReserve                     // 下单冻结 (0，纯预留)
	TxOrderRelease                     // 撤单解冻 (0)
	TxRefund                           // 差价/余量退回 (+)
	TxMint                             // 主动铸造整套 (−)
	TxRedeem                           // 主动赎回整套 (+)
	TxMintMatch                        // 铸造撮合买方付款 (−)
	TxMergeMatch                       // 销毁撮合卖方收款 (+)
)

var txTypeNames = map[TxType]string{
	TxDeposit:        "DEPOSIT",
	TxWithdrawal:     "WITHDRAWAL",
	TxTradeBuy:       "TRADE_BUY",
	TxTradeSell:      "TRADE_SELL",
	TxSettlementWin:  "SETTLEMENT_WIN",
	TxSettlementLoss: "SETTLEMENT_LOSS",
	TxOrderReserve:   "ORDER_RESERVE",
	TxOrderRelease:   "ORDER_RELEASE",
	TxRefund:         "REFUND",
	TxMint:           "MINT",
	TxRedeem:         "REDEEM",
	TxMintMatch:      "MINT_MATCH",
	TxMergeMatch:     "MERGE_MATCH",
}

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// =============================================================================
// 流水事件
// =============================================================================

// Transaction 流水事件
type Transaction struct {
	// EventID 幂等键，下游消费方用它去重
	EventID string `json:"event_id"`

	UserID   int64 `json:"user_id"`
	MarketID int64 `json:"market_id,omitempty"` // 入金/出金为 0

	Type   TxType `json:"type"`
	Amount int64  `json:"amount"` // 美分，带符号
	Qty    int64  `json:"qty,omitempty"`

	Contract string `json:"contract,omitempty"` // "YES" / "NO"，份额相关流水填写

	// 关联业务: 订单 / 成交 / 结算
	RefType string `json:"ref_type,omitempty"` // "ORDER" / "TRADE" / "SETTLEMENT"
	RefID   int64  `json:"ref_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Topic 实现 kafka.Message
func (t *Transaction) Topic() string {
	return TopicTransactions
}

// Key 按用户分区，同一用户的流水保序
func (t *Transaction) Key() string {
	return fmt.Sprintf("%d", t.UserID)
}

// Value 实现 kafka.Message
func (t *Transaction) Value() ([]byte, error) {
	return json.Marshal(t)
}

// =============================================================================
// 成交事件
// =============================================================================

// TradeEvent 成交广播事件
type TradeEvent struct {
	TradeID  int64  `json:"trade_id"`
	MarketID int64  `json:"market_id"`
	Type     string `json:"type"`     // "DIRECT" / "MINT" / "MERGE"
	Contract string `json:"contract"` // DIRECT 的合约方向
	Price    int64  `json:"price"`
	Qty      int64  `json:"qty"`
	YesPrice int64  `json:"yes_price,omitempty"`
	NoPrice  int64  `json:"no_price,omitempty"`

	TakerOrderID int64 `json:"taker_order_id"`
	MakerOrderID int64 `json:"maker_order_id"`

	ExecutedAt int64 `json:"executed_at"` // unix nano
}

// Topic 实现 kafka.Message
func (e *TradeEvent) Topic() string {
	return TopicTrades
}

// Key 按市场分区，同一市场的成交保序
func (e *TradeEvent) Key() string {
	return fmt.Sprintf("%d", e.MarketID)
}

// Value 实现 kafka.Message
func (e *TradeEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}

// =============================================================================
// 数据库模型 (gorm)
// =============================================================================

// TransactionRecord 流水表
type TransactionRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"uniqueIndex;size:64"`
	UserID    int64     `gorm:"index:idx_user_created"`
	MarketID  int64     `gorm:"index"`
	Type      TxType    `gorm:"index"`
	Amount    int64     // 美分，带符号
	Qty       int64
	Contract  string    `gorm:"size:8"`
	RefType   string    `gorm:"size:16"`
	RefID     int64     `gorm:"index"`
	CreatedAt time.Time `gorm:"index:idx_user_created"`
}

// TableName 表名
func (TransactionRecord) TableName() string {
	return "transactions"
}

// ToRecord 事件 → 数据库记录
func (t *Transaction) ToRecord() *TransactionRecord {
	return &TransactionRecord{
		EventID:   t.EventID,
		UserID:    t.UserID,
		MarketID:  t.MarketID,
		Type:      t.Type,
		Amount:    t.Amount,
		Qty:       t.Qty,
		Contract:  t.Contract,
		RefType:   t.RefType,
		RefID:     t.RefID,
		CreatedAt: t.CreatedAt,
	}
}
