// 文件: pkg/alert/model.go
// 价格预警
//
// 用户订阅某市场的 YES 价穿越提醒: 价格涨穿/跌穿目标价时触发。
// 价格一律整数美分 (1-99)，和交易侧同一单位。

package alert

import "context"

// AlertType 预警的生命周期类型
type AlertType string

const (
	AlertOnce   AlertType = "once"   // 触发一次后自动删除
	AlertDaily  AlertType = "daily"  // 每天最多触发一次
	AlertAlways AlertType = "always" // 满足条件就触发，带冷却防抖
)

// 触发方向
const (
	DirectionHigh = "high" // YES 价涨到 >= 目标价
	DirectionLow  = "low"  // YES 价跌到 <= 目标价
)

// AlertRule 预警规则
type AlertRule struct {
	AlertID   string    `json:"alert_id"`
	UserID    int64     `json:"user_id"`
	MarketID  int64     `json:"market_id"`
	Direction string    `json:"direction"` // high / low
	Price     int64     `json:"price"`     // 目标 YES 价 (美分)
	Type      AlertType `json:"type"`

	LastTriggeredAt int64 `json:"last_triggered_at"` // 秒
	CreatedAt       int64 `json:"created_at"`
}

// SubscriptionManager 预警订阅管理
//
// GetTriggeredAlerts 按价格走势取触发集:
// 上涨只看 high 规则，下跌只看 low 规则，价格没动返回空。
type SubscriptionManager interface {
	Subscribe(ctx context.Context, rule AlertRule) error
	Unsubscribe(ctx context.Context, alertID string) error
	GetTriggeredAlerts(ctx context.Context, marketID, currentPrice, lastPrice int64) ([]AlertRule, error)
}
