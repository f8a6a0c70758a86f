// 文件: pkg/alert/redis_manager.go
// Redis 版预警管理器
//
// 存储结构:
// - pm:alert:detail:{id}            规则 JSON
// - pm:alerts:{marketID}:{dir}      ZSet 价格索引，score = 目标价，
//                                   member = "{id}:{type}" (查询免反序列化)
// - pm:alert:cooldown:{id}          Always 类型的冷却标记
//
// 写入/删除用 Lua 保证详情和索引的原子性。

package alert

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisSubscriptionManager struct {
	client *redis.Client
}

var _ SubscriptionManager = (*RedisSubscriptionManager)(nil)

func NewRedisSubscriptionManager(client *redis.Client) *RedisSubscriptionManager {
	return &RedisSubscriptionManager{client: client}
}

// luaSubscribe 订阅脚本
// KEYS[1]: detailKey
// KEYS[2]: indexKey
// ARGV[1]: alertID
// ARGV[2]: score (目标价)
// ARGV[3]: ruleJSON
// ARGV[4]: alertType
const luaSubscribe = `
	redis.call('SET', KEYS[1], ARGV[3])
	local member = ARGV[1] .. ":" .. ARGV[4]
	redis.call('ZADD', KEYS[2], ARGV[2], member)
	return 1
`

// Subscribe 订阅预警
func (m *RedisSubscriptionManager) Subscribe(ctx context.Context, rule AlertRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	keys := []string{detailKey(rule.AlertID), indexKey(rule.MarketID, rule.Direction)}
	return m.client.Eval(ctx, luaSubscribe, keys,
		rule.AlertID, rule.Price, data, string(rule.Type)).Err()
}

// luaUnsubscribe 取消订阅脚本: 读详情重组索引 member 后一并删除
// KEYS[1]: detailKey
// ARGV[1]: alertID
const luaUnsubscribe = `
	local data = redis.call('GET', KEYS[1])
	if not data then return 0 end

	local rule = cjson.decode(data)
	local indexKey = string.format("pm:alerts:%d:%s", rule["market_id"], rule["direction"])
	local member = ARGV[1] .. ":" .. rule["type"]

	redis.call('ZREM', indexKey, member)
	redis.call('DEL', KEYS[1])
	return 1
`

// Unsubscribe 取消订阅
func (m *RedisSubscriptionManager) Unsubscribe(ctx context.Context, alertID string) error {
	return m.client.Eval(ctx, luaUnsubscribe, []string{detailKey(alertID)}, alertID).Err()
}

// GetTriggeredAlerts 取本次价格变动触发的预警
//
// ZSet 范围查询直接圈出候选集，member 里带着类型，全程不用
// 读详情反序列化。AlertOnce 触发后批量摘索引。
func (m *RedisSubscriptionManager) GetTriggeredAlerts(ctx context.Context, marketID, currentPrice, lastPrice int64) ([]AlertRule, error) {
	var direction string
	var min, max string

	switch {
	case currentPrice > lastPrice:
		// 上涨: 触发目标价 <= 当前价的 high 规则
		direction = DirectionHigh
		min = "-inf"
		max = strconv.FormatInt(currentPrice, 10)
	case currentPrice < lastPrice:
		// 下跌: 触发目标价 >= 当前价的 low 规则
		direction = DirectionLow
		min = strconv.FormatInt(currentPrice, 10)
		max = "+inf"
	default:
		return nil, nil
	}
	index := indexKey(marketID, direction)

	triggered := make([]AlertRule, 0, 128)
	batchSize := 100
	offset := 0

	for {
		members, err := m.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: int64(offset),
			Count:  int64(batchSize),
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			break
		}

		membersToRemove := make([]string, 0, len(members))

		for _, member := range members {
			alertID, typeStr, found := strings.Cut(member, ":")
			if !found {
				continue
			}
			alertType := AlertType(typeStr)

			// Always: SetNX 冷却标记防抖
			if alertType == AlertAlways {
				allowed, _ := m.client.SetNX(ctx, cooldownKey(alertID), "1", alwaysCooldown).Result()
				if !allowed {
					continue
				}
			}

			if alertType == AlertOnce {
				membersToRemove = append(membersToRemove, member)
			}

			triggered = append(triggered, AlertRule{
				AlertID:   alertID,
				Type:      alertType,
				MarketID:  marketID,
				Direction: direction,
			})
		}

		if len(membersToRemove) > 0 {
			args := make([]interface{}, len(membersToRemove))
			for i, v := range membersToRemove {
				args[i] = v
			}
			m.client.ZRem(ctx, index, args...)
		}

		offset += batchSize
	}

	return triggered, nil
}

// SetCooldown 覆写 Always 冷却时长 (测试用)
func (m *RedisSubscriptionManager) SetCooldown(ctx context.Context, alertID string, d time.Duration) error {
	return m.client.Set(ctx, cooldownKey(alertID), "1", d).Err()
}

func detailKey(alertID string) string {
	return "pm:alert:detail:" + alertID
}

func indexKey(marketID int64, direction string) string {
	return "pm:alerts:" + strconv.FormatInt(marketID, 10) + ":" + direction
}

func cooldownKey(alertID string) string {
	return "pm:alert:cooldown:" + alertID
}
