// 文件: pkg/market/model.go
// 市场定义
//
// 一个市场就是一个二元问题 ("X 会发生吗")，YES/NO 两种合约，
// 结算时获胜方每份赔付 100 美分。状态机:
//
//   ACTIVE ──► SETTLING ──► SETTLED
//      │
//      └─────► CANCELLED

package market

import (
	"time"

	"pmx.com/pkg/match"
)

// MarketStatus 市场状态
type MarketStatus int8

const (
	StatusActive    MarketStatus = iota + 1 // 交易中
	StatusSettling                          // 结算中，停止交易
	StatusSettled                           // 已结算 (终态)
	StatusCancelled                         // 已作废，按成本退款 (终态)
)

func (s MarketStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSettling:
		return "SETTLING"
	case StatusSettled:
		return "SETTLED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Resolution 结算结果
type Resolution int8

const (
	ResolutionNone Resolution = iota // 未结算
	ResolutionYes
	ResolutionNo
)

func (r Resolution) String() string {
	switch r {
	case ResolutionYes:
		return "YES"
	case ResolutionNo:
		return "NO"
	}
	return "NONE"
}

// WinningContract 获胜合约
func (r Resolution) WinningContract() match.Contract {
	if r == ResolutionNo {
		return match.ContractNo
	}
	return match.ContractYes
}

// Market 市场表
type Market struct {
	ID       int64  `gorm:"primaryKey;autoIncrement:false" json:"id"` // 雪花 ID
	Question string `gorm:"type:varchar(512)" json:"question"`

	Status     MarketStatus `gorm:"index" json:"status"`
	Resolution Resolution   `json:"resolution"`

	// 行情 (美分)
	LastYesPrice int64 `json:"last_yes_price"`
	LastNoPrice  int64 `json:"last_no_price"`

	// 累计量
	Volume            int64 `json:"volume"`             // 累计成交份数
	SharesOutstanding int64 `json:"shares_outstanding"` // 流通整套数 (铸造-销毁-赎回)

	CloseTime int64 `gorm:"index" json:"close_time"` // unix nano，之后拒绝新订单
	SettledAt int64 `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (Market) TableName() string {
	return "markets"
}

// IsTradeable 是否接受新订单
func (m *Market) IsTradeable(now int64) bool {
	if m.Status != StatusActive {
		return false
	}
	return m.CloseTime == 0 || now < m.CloseTime
}

// IsTerminal 是否终态
func (m *Market) IsTerminal() bool {
	return m.Status == StatusSettled || m.Status == StatusCancelled
}

// PricePoint 价格历史点
type PricePoint struct {
	YesPrice int64 `json:"yes_price"`
	NoPrice  int64 `json:"no_price"`
	Ts       int64 `json:"ts"` // unix nano
}
