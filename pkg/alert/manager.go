// 文件: pkg/alert/manager.go
// 内存版预警管理器，单机部署和测试用；多实例部署换 Redis 版

package alert

import (
	"context"
	"errors"
	"sync"
	"time"
)

// alwaysCooldown Always 类型的触发冷却，防止价格抖动刷屏
const alwaysCooldown = 60 * time.Second

// MemorySubscriptionManager 内存实现
type MemorySubscriptionManager struct {
	mu    sync.Mutex
	rules map[string]AlertRule // key: AlertID
}

var _ SubscriptionManager = (*MemorySubscriptionManager)(nil)

func NewMemorySubscriptionManager() *MemorySubscriptionManager {
	return &MemorySubscriptionManager{
		rules: make(map[string]AlertRule),
	}
}

// Subscribe 订阅预警
func (m *MemorySubscriptionManager) Subscribe(_ context.Context, rule AlertRule) error {
	if rule.AlertID == "" {
		return errors.New("alert_id is required")
	}
	if rule.Direction != DirectionHigh && rule.Direction != DirectionLow {
		return errors.New("direction must be high or low")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.AlertID] = rule
	return nil
}

// Unsubscribe 取消订阅
func (m *MemorySubscriptionManager) Unsubscribe(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, alertID)
	return nil
}

// GetTriggeredAlerts 取本次价格变动触发的预警
//
// 穿越语义: 上涨只触发 high 且目标价 <= 当前价的规则，
// 下跌只触发 low 且目标价 >= 当前价的规则。
func (m *MemorySubscriptionManager) GetTriggeredAlerts(_ context.Context, marketID, currentPrice, lastPrice int64) ([]AlertRule, error) {
	var direction string
	switch {
	case currentPrice > lastPrice:
		direction = DirectionHigh
	case currentPrice < lastPrice:
		direction = DirectionLow
	default:
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var triggered []AlertRule
	now := time.Now()

	for id, rule := range m.rules {
		if rule.MarketID != marketID || rule.Direction != direction {
			continue
		}
		if direction == DirectionHigh && currentPrice < rule.Price {
			continue
		}
		if direction == DirectionLow && currentPrice > rule.Price {
			continue
		}

		switch rule.Type {
		case AlertOnce:
			delete(m.rules, id)

		case AlertDaily:
			last := time.Unix(rule.LastTriggeredAt, 0)
			if rule.LastTriggeredAt != 0 && isSameDay(last, now) {
				continue
			}
			rule.LastTriggeredAt = now.Unix()
			m.rules[id] = rule

		case AlertAlways:
			if rule.LastTriggeredAt != 0 && now.Sub(time.Unix(rule.LastTriggeredAt, 0)) < alwaysCooldown {
				continue
			}
			rule.LastTriggeredAt = now.Unix()
			m.rules[id] = rule

		default:
			continue
		}

		triggered = append(triggered, rule)
	}

	return triggered, nil
}

func isSameDay(t1, t2 time.Time) bool {
	y1, m1, d1 := t1.Date()
	y2, m2, d2 := t2.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
