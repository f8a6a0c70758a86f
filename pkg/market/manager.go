// 文件: pkg/market/manager.go
// 市场管理器
//
// 市场生命周期 + 行情维护的统一入口:
// - 建市/查询走仓储 (带缓存)
// - 成交事件驱动最新价、累计量、流通整套数
// - 价格历史存 Redis 列表，保留最近 N 个点
// - 结算相关的状态流转走条件更新，并发安全

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"

	"pmx.com/pkg/match"
)

const (
	historyKeyFmt  = "pm:market:%d:history"
	historyMaxLen  = 1000
	historyKeyTTL  = 7 * 24 * time.Hour
	defaultTimeout = 5 * time.Second
)

// Manager 市场管理器
type Manager struct {
	repo  MarketRepository
	redis *redis.Client // 为 nil 时不记价格历史
	node  *snowflake.Node
}

// NewManager 创建管理器，nodeID 用于市场 ID 生成
func NewManager(repo MarketRepository, rds *redis.Client, nodeID int64) (*Manager, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &Manager{repo: repo, redis: rds, node: node}, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// CreateMarket 创建市场，初始双边价 50/50
func (m *Manager) CreateMarket(ctx context.Context, question string, closeTime int64) (*Market, error) {
	market := &Market{
		ID:           m.node.Generate().Int64(),
		Question:     question,
		Status:       StatusActive,
		LastYesPrice: 50,
		LastNoPrice:  50,
		CloseTime:    closeTime,
	}
	if err := m.repo.Create(ctx, market); err != nil {
		return nil, err
	}
	return market, nil
}

// Get 查询市场
func (m *Manager) Get(ctx context.Context, id int64) (*Market, error) {
	return m.repo.GetByID(ctx, id)
}

// ListActive 交易中的市场
func (m *Manager) ListActive(ctx context.Context) ([]*Market, error) {
	return m.repo.ListByStatus(ctx, StatusActive)
}

// ListByStatus 按状态列出市场 (结算扫描/恢复用)
func (m *Manager) ListByStatus(ctx context.Context, status MarketStatus) ([]*Market, error) {
	return m.repo.ListByStatus(ctx, status)
}

// BeginSettlement 进入结算: 停止交易并记录结果
func (m *Manager) BeginSettlement(ctx context.Context, id int64, resolution Resolution) error {
	if resolution != ResolutionYes && resolution != ResolutionNo {
		return fmt.Errorf("invalid resolution %d", resolution)
	}
	if err := m.repo.UpdateStatus(ctx, id, StatusActive, StatusSettling); err != nil {
		return err
	}
	return m.repo.SetResolution(ctx, id, resolution)
}

// FinishSettlement 结算完成
func (m *Manager) FinishSettlement(ctx context.Context, id int64) error {
	return m.repo.UpdateStatus(ctx, id, StatusSettling, StatusSettled)
}

// CancelMarket 作废市场 (进入退款流程)
func (m *Manager) CancelMarket(ctx context.Context, id int64) error {
	return m.repo.UpdateStatus(ctx, id, StatusActive, StatusCancelled)
}

// =============================================================================
// 行情维护
// =============================================================================

// OnTrade 成交后更新行情
//
// 最新价约定:
// - DIRECT: 成交合约按成交价，另一边取 100 - 价
// - MINT/MERGE: 双边各按自己的限价原样记录，和可以不等于 100，不做归一
func (m *Manager) OnTrade(ctx context.Context, trade *match.Trade) error {
	var yesPrice, noPrice int64
	switch trade.Type {
	case match.TradeDirect:
		if trade.Contract == match.ContractNo {
			yesPrice = match.SetValue - trade.Price
		} else {
			yesPrice = trade.Price
		}
		noPrice = match.SetValue - yesPrice
	default:
		yesPrice = trade.YesPrice
		noPrice = trade.NoPrice
	}

	// 流通整套数: 铸造增加，销毁减少
	var sharesDelta int64
	switch trade.Type {
	case match.TradeMint:
		sharesDelta = trade.Qty
	case match.TradeMerge:
		sharesDelta = -trade.Qty
	}

	if err := m.repo.UpdateQuotes(ctx, trade.MarketID, yesPrice, noPrice, trade.Qty, sharesDelta); err != nil {
		return err
	}

	// 历史曲线是单条 YES 价: 取双边报价隐含的中点
	mid := (yesPrice + match.SetValue - noPrice) / 2
	m.recordPricePoint(ctx, trade.MarketID, PricePoint{
		YesPrice: mid,
		NoPrice:  match.SetValue - mid,
		Ts:       trade.ExecutedAt,
	})
	return nil
}

// AdjustSharesOutstanding 主动铸造/赎回整套时调整流通量
func (m *Manager) AdjustSharesOutstanding(ctx context.Context, marketID, delta int64) error {
	return m.repo.UpdateQuotes(ctx, marketID, 0, 0, 0, delta)
}

// recordPricePoint 价格点入 Redis 列表
func (m *Manager) recordPricePoint(ctx context.Context, marketID int64, point PricePoint) {
	if m.redis == nil {
		return
	}
	data, err := json.Marshal(point)
	if err != nil {
		return
	}
	key := fmt.Sprintf(historyKeyFmt, marketID)
	pipe := m.redis.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -historyMaxLen, -1)
	pipe.Expire(ctx, key, historyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Market] record price point error: market=%d, err=%v", marketID, err)
	}
}

// PriceHistory 最近 n 个价格点，时间升序
func (m *Manager) PriceHistory(ctx context.Context, marketID int64, n int) ([]PricePoint, error) {
	if m.redis == nil {
		return nil, nil
	}
	if n <= 0 || n > historyMaxLen {
		n = historyMaxLen
	}
	key := fmt.Sprintf(historyKeyFmt, marketID)
	items, err := m.redis.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}
	points := make([]PricePoint, 0, len(items))
	for _, item := range items {
		var p PricePoint
		if json.Unmarshal([]byte(item), &p) == nil {
			points = append(points, p)
		}
	}
	return points, nil
}

// =============================================================================
// 引擎事件挂载
// =============================================================================

// HandleEngineEvent 挂到撮合引擎 OnEvent 上
func (m *Manager) HandleEngineEvent(event match.Event) {
	if event.Type != match.EventTrade {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := m.OnTrade(ctx, event.Trade); err != nil {
		log.Printf("[Market] update quotes error: market=%d, err=%v", event.Trade.MarketID, err)
	}
}
