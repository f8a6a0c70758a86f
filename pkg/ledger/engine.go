// 文件: pkg/ledger/engine.go
// 账本引擎 - 主入口
//
// 核心职责:
// 1. 管理多个分片，按 UserID 路由
// 2. 提供类型化的资金/份额操作接口
// 3. 管理快照存储与检查点
//
// 架构:
//
//   交易处理器 / 结算引擎
//          │
//          ▼
//   ┌──────────────────────┐
//   │       Engine         │
//   │   - 路由分片         │
//   └──────────────────────┘
//          │
//   ┌──────┼──────┬──────┐
//   ▼      ▼      ▼      ▼
// Shard0 Shard1  ...  Shard7
//   │      │      │      │
//   └──────┴──────┴──────┘
//              │
//       SnapshotStore (无锁读)

package ledger

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pmx.com/pkg/match"
)

// =============================================================================
// 配置
// =============================================================================

// EngineConfig 引擎配置
type EngineConfig struct {
	NumShards       int
	CommandQueueLen int
	DefaultTimeout  time.Duration
	WALDir          string // 为空则不启用 WAL
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NumShards:       NumShards,
		CommandQueueLen: 10000,
		DefaultTimeout:  time.Second,
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine 账本引擎
//
// 这是资金系统的统一入口:
// - 交易处理器调用 ReserveFunds/ReserveShares 下单
// - 撮合结算调用 Consume*/Credit* 原语
// - 结算引擎调用 MarketHoldings 收集持仓
// - 查询走 GetSnapshot (无锁)
type Engine struct {
	config EngineConfig

	shards        []*Shard
	snapshotStore *SnapshotStore

	running atomic.Bool
	stopCh  chan struct{}
	mu      sync.Mutex
}

// NewEngine 创建账本引擎
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.NumShards <= 0 {
		cfg.NumShards = NumShards
	}
	if cfg.CommandQueueLen <= 0 {
		cfg.CommandQueueLen = 10000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Second
	}

	snapshotStore := NewSnapshotStore()

	shards := make([]*Shard, cfg.NumShards)
	for i := 0; i < cfg.NumShards; i++ {
		var wal *WAL
		if cfg.WALDir != "" {
			var err error
			wal, err = NewWAL(WALConfig{Dir: cfg.WALDir, ShardID: i})
			if err != nil {
				return nil, fmt.Errorf("ledger wal shard %d: %w", i, err)
			}
		}
		shards[i] = NewShard(ShardConfig{
			ID:              i,
			CommandQueueLen: cfg.CommandQueueLen,
			SnapshotStore:   snapshotStore,
			WAL:             wal,
		})
	}

	return &Engine{
		config:        cfg,
		shards:        shards,
		snapshotStore: snapshotStore,
		stopCh:        make(chan struct{}),
	}, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Recover 恢复所有分片 (Start 之前调用)
func (e *Engine) Recover() error {
	for _, shard := range e.shards {
		if err := shard.Recover(); err != nil {
			return fmt.Errorf("recover ledger shard %d: %w", shard.id, err)
		}
	}
	return nil
}

// Start 启动所有分片
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return
	}
	for _, shard := range e.shards {
		shard.Start()
	}
	e.running.Store(true)
}

// Stop 停止所有分片
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return
	}
	close(e.stopCh)
	for _, shard := range e.shards {
		shard.Stop()
	}
	e.running.Store(false)
}

// StartCheckpointLoop 定期创建检查点
func (e *Engine) StartCheckpointLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = e.CreateCheckpoint()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// CreateCheckpoint 所有分片落检查点
func (e *Engine) CreateCheckpoint() error {
	for _, shard := range e.shards {
		if err := shard.CreateCheckpoint(); err != nil {
			return err
		}
	}
	return nil
}

// getShard 按 UserID 路由
func (e *Engine) getShard(userID int64) *Shard {
	idx := userID % int64(len(e.shards))
	if idx < 0 {
		idx = -idx
	}
	return e.shards[idx]
}

func (e *Engine) submit(cmd Command) error {
	return e.getShard(cmd.UserID).Submit(cmd, e.config.DefaultTimeout)
}

// =============================================================================
// 资金操作
// =============================================================================

// Deposit 入金
func (e *Engine) Deposit(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdDeposit, CmdID: cmdID, UserID: userID, Amount: amount})
}

// Withdraw 出金，可用不足则拒绝
func (e *Engine) Withdraw(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdWithdraw, CmdID: cmdID, UserID: userID, Amount: amount})
}

// ReserveFunds 下买单冻结资金
func (e *Engine) ReserveFunds(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdReserveFunds, CmdID: cmdID, UserID: userID, Amount: amount})
}

// ReleaseFunds 撤单/差价退回解冻资金
func (e *Engine) ReleaseFunds(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdReleaseFunds, CmdID: cmdID, UserID: userID, Amount: amount})
}

// ConsumeFunds 成交付款: 冻结资金离开账户
func (e *Engine) ConsumeFunds(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdConsumeFunds, CmdID: cmdID, UserID: userID, Amount: amount})
}

// CreditFunds 收款入账
func (e *Engine) CreditFunds(cmdID string, userID, amount int64) error {
	return e.submit(Command{Type: CmdCreditFunds, CmdID: cmdID, UserID: userID, Amount: amount})
}

// =============================================================================
// 份额操作
// =============================================================================

// ReserveShares 下卖单冻结份额
func (e *Engine) ReserveShares(cmdID string, userID, marketID int64, contract match.Contract, qty int64) error {
	return e.submit(Command{
		Type: CmdReserveShares, CmdID: cmdID,
		UserID: userID, MarketID: marketID, Contract: contract, Qty: qty,
	})
}

// ReleaseShares 撤单解冻份额
func (e *Engine) ReleaseShares(cmdID string, userID, marketID int64, contract match.Contract, qty int64) error {
	return e.submit(Command{
		Type: CmdReleaseShares, CmdID: cmdID,
		UserID: userID, MarketID: marketID, Contract: contract, Qty: qty,
	})
}

// ConsumeShares 成交交货: 冻结份额离开账户，proceeds 计入已实现盈亏
func (e *Engine) ConsumeShares(cmdID string, userID, marketID int64, contract match.Contract, qty, proceeds int64) error {
	return e.submit(Command{
		Type: CmdConsumeShares, CmdID: cmdID,
		UserID: userID, MarketID: marketID, Contract: contract, Qty: qty, Proceeds: proceeds,
	})
}

// RemoveShares 从可用份额移出 (赎回整套 / 市场结算)
func (e *Engine) RemoveShares(cmdID string, userID, marketID int64, contract match.Contract, qty, proceeds int64) error {
	return e.submit(Command{
		Type: CmdRemoveShares, CmdID: cmdID,
		UserID: userID, MarketID: marketID, Contract: contract, Qty: qty, Proceeds: proceeds,
	})
}

// CreditShares 收货入账，cost 计入持仓成本
func (e *Engine) CreditShares(cmdID string, userID, marketID int64, contract match.Contract, qty, cost int64) error {
	return e.submit(Command{
		Type: CmdCreditShares, CmdID: cmdID,
		UserID: userID, MarketID: marketID, Contract: contract, Qty: qty, Cost: cost,
	})
}

// =============================================================================
// 查询接口
// =============================================================================

// GetSnapshot 用户快照 (无锁)
func (e *Engine) GetSnapshot(userID int64) *AccountSnapshot {
	return e.snapshotStore.Get(userID)
}

// GetAvailable 可用资金 (美分)
func (e *Engine) GetAvailable(userID int64) int64 {
	if snap := e.snapshotStore.Get(userID); snap != nil {
		return snap.Cash.Available
	}
	return 0
}

// GetPosition 用户在某市场的持仓快照
func (e *Engine) GetPosition(userID, marketID int64) (Position, bool) {
	snap := e.snapshotStore.Get(userID)
	if snap == nil {
		return Position{}, false
	}
	pos, ok := snap.Positions[marketID]
	return pos, ok
}

// MarketHoldings 收集某市场的全部持仓 (结算用)
//
// 同步命令逐分片执行，拿到的是各分片在该时刻的一致视图。
// 结算前订单簿已清空、市场已停止交易，视图不会再变。
func (e *Engine) MarketHoldings(marketID int64) ([]MarketHolding, error) {
	var all []MarketHolding
	for _, shard := range e.shards {
		collect := make(chan []MarketHolding, 1)
		cmd := Command{Type: cmdQueryMarket, MarketID: marketID, Collect: collect}

		select {
		case shard.cmdCh <- cmd:
		case <-shard.ctx.Done():
			return nil, ErrShardClosed
		}

		select {
		case holdings := <-collect:
			all = append(all, holdings...)
		case <-time.After(e.config.DefaultTimeout):
			return nil, ErrCommandTimeout
		}
	}

	// 固定输出顺序，结算流水可复现
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	return all, nil
}

// =============================================================================
// 统计
// =============================================================================

// EngineStats 引擎统计
type EngineStats struct {
	TotalShards   int
	TotalAccounts int
	TotalCommands uint64
	ShardStats    []ShardStats
}

// GetStats 汇总所有分片统计
func (e *Engine) GetStats() EngineStats {
	stats := EngineStats{
		TotalShards: len(e.shards),
		ShardStats:  make([]ShardStats, len(e.shards)),
	}
	for i, shard := range e.shards {
		shardStats := shard.GetStats()
		stats.ShardStats[i] = shardStats
		stats.TotalAccounts += shardStats.AccountCount
		stats.TotalCommands += shardStats.TotalCommands
	}
	return stats
}
