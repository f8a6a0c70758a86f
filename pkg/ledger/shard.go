// 文件: pkg/ledger/shard.go
// 账本分片处理器
//
// 核心设计:
// 1. 单线程模型: 每个分片一个 goroutine 独占处理，无锁
// 2. 命令队列: 所有资金/份额操作封装为 Command 串行执行
// 3. 原子快照: 每次变更后发布快照，外部无锁读
//
// 关键不变量: 会失败的命令只有两类 —— 冻结 (余额/份额不足) 和
// 提现 (余额不足)，它们都只碰一个用户。成交结算只消耗已有的
// 冻结和做加法，逐用户执行也不会出现中途失败的半笔成交。

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pmx.com/pkg/match"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInsufficientFunds    = errors.New("insufficient available funds")
	ErrInsufficientReserved = errors.New("insufficient reserved funds")
	ErrInsufficientShares   = errors.New("insufficient available shares")
	ErrSharesNotReserved    = errors.New("insufficient reserved shares")
	ErrAccountNotFound      = errors.New("account not found")
	ErrShardClosed          = errors.New("ledger shard is closed")
	ErrCommandTimeout       = errors.New("ledger command timeout")
	ErrDuplicateCommand     = errors.New("duplicate command")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// =============================================================================
// 命令定义
// =============================================================================

// CmdType 命令类型
type CmdType uint8

const (
	CmdDeposit       CmdType = iota + 1 // 入金: Available += Amount
	CmdWithdraw                         // 出金: Available -= Amount
	CmdReserveFunds                     // 冻结资金 (买单)
	CmdReleaseFunds                     // 解冻资金 (撤单/退差价)
	CmdConsumeFunds                     // 消耗冻结资金 (买方付款)
	CmdCreditFunds                      // 入账资金 (卖方收款/赔付)
	CmdReserveShares                    // 冻结份额 (卖单)
	CmdReleaseShares                    // 解冻份额 (撤单)
	CmdConsumeShares                    // 消耗冻结份额 (卖方交货，记 PnL)
	CmdRemoveShares                     // 移出可用份额 (赎回/结算，记 PnL)
	CmdCreditShares                     // 入账份额 (买方收货/铸造)
	cmdQueryMarket                      // 内部: 收集某市场全部持仓
)

// Command 账本命令
// 资金字段用 Amount (美分)，份额字段用 Qty；Cost/Proceeds 维护成本
// 与已实现盈亏
type Command struct {
	Type  CmdType
	CmdID string // 幂等键，如 "trade:123:buy"

	UserID   int64
	MarketID int64          // 份额命令必填
	Contract match.Contract // 份额命令必填

	Amount   int64 // 资金金额 (美分)
	Qty      int64 // 份额数量
	Cost     int64 // CmdCreditShares: 新增持仓成本 (美分)
	Proceeds int64 // Consume/RemoveShares: 本次变现所得 (美分)，计入 PnL

	Result  chan error
	Collect chan []MarketHolding // cmdQueryMarket 专用
}

// MarketHolding 某市场内一个用户的持仓汇总 (结算用)
type MarketHolding struct {
	UserID      int64
	YesQty      int64 // 含冻结
	NoQty       int64 // 含冻结
	YesCost     int64
	NoCost      int64
	RealizedPnL int64
}

// =============================================================================
// Shard
// =============================================================================

// Shard 单分片处理器，管理 userID % NumShards == id 的所有账户
type Shard struct {
	id int

	accounts map[int64]*Account

	// 幂等: 已应用的 CmdID
	appliedCmds map[string]struct{}

	cmdCh chan Command

	snapshotStore *SnapshotStore

	wal *WAL // 可选

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats ShardStats
}

// ShardStats 分片统计
type ShardStats struct {
	TotalCommands  uint64
	RejectCount    uint64
	DuplicateCount uint64
	AccountCount   int
}

// ShardConfig 分片配置
type ShardConfig struct {
	ID              int
	CommandQueueLen int
	SnapshotStore   *SnapshotStore
	WAL             *WAL
}

// NewShard 创建分片
func NewShard(cfg ShardConfig) *Shard {
	ctx, cancel := context.WithCancel(context.Background())

	queueLen := cfg.CommandQueueLen
	if queueLen <= 0 {
		queueLen = 10000
	}

	return &Shard{
		id:            cfg.ID,
		accounts:      make(map[int64]*Account),
		appliedCmds:   make(map[string]struct{}),
		cmdCh:         make(chan Command, queueLen),
		snapshotStore: cfg.SnapshotStore,
		wal:           cfg.WAL,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动处理循环
func (s *Shard) Start() {
	s.wg.Add(1)
	go s.processLoop()
}

// Stop 停止分片，处理完队列中剩余命令
func (s *Shard) Stop() {
	s.cancel()
	s.wg.Wait()
	if s.wal != nil {
		_ = s.wal.Sync()
		_ = s.wal.Close()
	}
}

func (s *Shard) processLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drainQueue()
			return

		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		}
	}
}

func (s *Shard) drainQueue() {
	for {
		select {
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		default:
			return
		}
	}
}

// =============================================================================
// 命令处理
// =============================================================================

func (s *Shard) handleCommand(cmd Command) {
	s.stats.TotalCommands++

	// 查询命令不走幂等/WAL
	if cmd.Type == cmdQueryMarket {
		cmd.Collect <- s.collectMarket(cmd.MarketID)
		return
	}

	// 幂等检查
	if cmd.CmdID != "" {
		if _, exists := s.appliedCmds[cmd.CmdID]; exists {
			s.stats.DuplicateCount++
			s.sendResult(cmd, ErrDuplicateCommand)
			return
		}
	}

	// 先写 WAL
	if s.wal != nil {
		if err := s.wal.Write(cmdToWALEntry(cmd)); err != nil {
			s.sendResult(cmd, fmt.Errorf("wal write: %w", err))
			return
		}
	}

	err := s.apply(cmd)
	if err != nil {
		s.stats.RejectCount++
	} else {
		if cmd.CmdID != "" {
			s.appliedCmds[cmd.CmdID] = struct{}{}
		}
		s.updateSnapshot(cmd.UserID)
	}

	s.sendResult(cmd, err)
}

// apply 执行命令 (WAL 重放也走这里)
func (s *Shard) apply(cmd Command) error {
	switch cmd.Type {
	case CmdDeposit:
		return s.doDeposit(cmd)
	case CmdWithdraw:
		return s.doWithdraw(cmd)
	case CmdReserveFunds:
		return s.doReserveFunds(cmd)
	case CmdReleaseFunds:
		return s.doReleaseFunds(cmd)
	case CmdConsumeFunds:
		return s.doConsumeFunds(cmd)
	case CmdCreditFunds:
		return s.doCreditFunds(cmd)
	case CmdReserveShares:
		return s.doReserveShares(cmd)
	case CmdReleaseShares:
		return s.doReleaseShares(cmd)
	case CmdConsumeShares:
		return s.doConsumeShares(cmd)
	case CmdRemoveShares:
		return s.doRemoveShares(cmd)
	case CmdCreditShares:
		return s.doCreditShares(cmd)
	default:
		return fmt.Errorf("unknown ledger command type %d", cmd.Type)
	}
}

func (s *Shard) sendResult(cmd Command, err error) {
	if cmd.Result != nil {
		select {
		case cmd.Result <- err:
		default:
		}
	}
}

func (s *Shard) updateSnapshot(userID int64) {
	if s.snapshotStore == nil {
		return
	}
	account, ok := s.accounts[userID]
	if !ok {
		return
	}
	s.snapshotStore.Update(account.CreateSnapshot())
}

// collectMarket 收集本分片内某市场的全部持仓
func (s *Shard) collectMarket(marketID int64) []MarketHolding {
	var holdings []MarketHolding
	for _, account := range s.accounts {
		pos, ok := account.Positions[marketID]
		if !ok || pos.IsFlat() {
			continue
		}
		holdings = append(holdings, MarketHolding{
			UserID:      account.UserID,
			YesQty:      pos.TotalYes(),
			NoQty:       pos.TotalNo(),
			YesCost:     pos.YesCost,
			NoCost:      pos.NoCost,
			RealizedPnL: pos.RealizedPnL,
		})
	}
	return holdings
}

// =============================================================================
// 资金操作
// =============================================================================

func (s *Shard) doDeposit(cmd Command) error {
	if cmd.Amount <= 0 {
		return ErrInvalidAmount
	}
	account := s.getOrCreateAccount(cmd.UserID)
	account.Cash.Available += cmd.Amount
	account.touch()
	return nil
}

func (s *Shard) doWithdraw(cmd Command) error {
	if cmd.Amount <= 0 {
		return ErrInvalidAmount
	}
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Cash.Available < cmd.Amount {
		return ErrInsufficientFunds
	}
	account.Cash.Available -= cmd.Amount
	account.touch()
	return nil
}

// doReserveFunds 下买单: 可用 → 冻结，不足则整单拒绝
func (s *Shard) doReserveFunds(cmd Command) error {
	account := s.getOrCreateAccount(cmd.UserID)
	if account.Cash.Available < cmd.Amount {
		return ErrInsufficientFunds
	}
	account.Cash.Available -= cmd.Amount
	account.Cash.Reserved += cmd.Amount
	account.touch()
	return nil
}

// doReleaseFunds 撤单/差价退回: 冻结 → 可用
func (s *Shard) doReleaseFunds(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Cash.Reserved < cmd.Amount {
		return ErrInsufficientReserved
	}
	account.Cash.Reserved -= cmd.Amount
	account.Cash.Available += cmd.Amount
	account.touch()
	return nil
}

// doConsumeFunds 成交付款: 冻结资金离开账户
// 调用方保证金额不超过该订单此前冻结的量
func (s *Shard) doConsumeFunds(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Cash.Reserved < cmd.Amount {
		return ErrInsufficientReserved
	}
	account.Cash.Reserved -= cmd.Amount
	account.touch()
	return nil
}

func (s *Shard) doCreditFunds(cmd Command) error {
	account := s.getOrCreateAccount(cmd.UserID)
	account.Cash.Available += cmd.Amount
	account.touch()
	return nil
}

// =============================================================================
// 份额操作
// =============================================================================

// doReserveShares 下卖单: 可用份额 → 冻结份额
func (s *Shard) doReserveShares(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrInsufficientShares
	}
	pos := account.GetPosition(cmd.MarketID)
	qty := pos.qty(cmd.Contract)
	if *qty < cmd.Qty {
		return ErrInsufficientShares
	}
	*qty -= cmd.Qty
	*pos.reserved(cmd.Contract) += cmd.Qty
	pos.UpdatedAt = time.Now().UnixNano()
	account.touch()
	return nil
}

func (s *Shard) doReleaseShares(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	pos := account.GetPosition(cmd.MarketID)
	reserved := pos.reserved(cmd.Contract)
	if *reserved < cmd.Qty {
		return ErrSharesNotReserved
	}
	*reserved -= cmd.Qty
	*pos.qty(cmd.Contract) += cmd.Qty
	pos.UpdatedAt = time.Now().UnixNano()
	account.touch()
	return nil
}

// doConsumeShares 成交交货: 冻结份额离开账户
// 按均价移出成本，Proceeds - 成本 计入已实现盈亏
func (s *Shard) doConsumeShares(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	pos := account.GetPosition(cmd.MarketID)
	reserved := pos.reserved(cmd.Contract)
	if *reserved < cmd.Qty {
		return ErrSharesNotReserved
	}

	// 先按均价移出成本 (移出前总量包含本次消耗的份额)
	removedCost := pos.removeAtAvgCost(cmd.Contract, cmd.Qty)
	*reserved -= cmd.Qty
	pos.RealizedPnL += cmd.Proceeds - removedCost
	pos.UpdatedAt = time.Now().UnixNano()
	account.touch()
	return nil
}

// doRemoveShares 从可用份额移出 (赎回整套 / 市场结算)
func (s *Shard) doRemoveShares(cmd Command) error {
	account, ok := s.accounts[cmd.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	pos := account.GetPosition(cmd.MarketID)
	qty := pos.qty(cmd.Contract)
	if *qty < cmd.Qty {
		return ErrInsufficientShares
	}

	removedCost := pos.removeAtAvgCost(cmd.Contract, cmd.Qty)
	*qty -= cmd.Qty
	pos.RealizedPnL += cmd.Proceeds - removedCost
	pos.UpdatedAt = time.Now().UnixNano()
	account.touch()
	return nil
}

// doCreditShares 收货: 买入/铸造得到份额，成本计入持仓
func (s *Shard) doCreditShares(cmd Command) error {
	account := s.getOrCreateAccount(cmd.UserID)
	pos := account.GetPosition(cmd.MarketID)
	*pos.qty(cmd.Contract) += cmd.Qty
	*pos.cost(cmd.Contract) += cmd.Cost
	pos.UpdatedAt = time.Now().UnixNano()
	account.touch()
	return nil
}

// =============================================================================
// 恢复与检查点
// =============================================================================

// cmdToWALEntry 命令 → WAL 条目
func cmdToWALEntry(cmd Command) *WALEntry {
	return &WALEntry{
		Type:     cmd.Type,
		CmdID:    cmd.CmdID,
		UserID:   cmd.UserID,
		MarketID: cmd.MarketID,
		Contract: cmd.Contract,
		Amount:   cmd.Amount,
		Qty:      cmd.Qty,
		Cost:     cmd.Cost,
		Proceeds: cmd.Proceeds,
	}
}

// walEntryToCmd WAL 条目 → 命令
func walEntryToCmd(entry *WALEntry) Command {
	return Command{
		Type:     entry.Type,
		CmdID:    entry.CmdID,
		UserID:   entry.UserID,
		MarketID: entry.MarketID,
		Contract: entry.Contract,
		Amount:   entry.Amount,
		Qty:      entry.Qty,
		Cost:     entry.Cost,
		Proceeds: entry.Proceeds,
	}
}

// Recover 先加载检查点，再重放之后的 WAL，Start 之前调用
func (s *Shard) Recover() error {
	if s.wal == nil {
		return nil
	}

	data, checkpointSeq, err := s.wal.LoadSnapshot(s.id)
	if err != nil {
		return err
	}
	if data != nil {
		if err := json.Unmarshal(data, &s.accounts); err != nil {
			return err
		}
	}

	_, err = s.wal.Recover(func(entry *WALEntry) error {
		if entry.Seq <= checkpointSeq {
			return nil
		}
		cmd := walEntryToCmd(entry)
		if applyErr := s.apply(cmd); applyErr != nil {
			// 当初被拒绝的命令重放时同样被拒绝，不算恢复失败
			return nil
		}
		if cmd.CmdID != "" {
			s.appliedCmds[cmd.CmdID] = struct{}{}
		}
		return nil
	})
	return err
}

// CreateCheckpoint 序列化当前状态为检查点
// 外部调用需确保分片空闲 (或通过命令排队执行)
func (s *Shard) CreateCheckpoint() error {
	if s.wal == nil {
		return nil
	}
	data, err := json.Marshal(s.accounts)
	if err != nil {
		return err
	}
	return s.wal.Checkpoint(data, s.wal.GetSequence(), s.id)
}

// =============================================================================
// 辅助方法
// =============================================================================

func (s *Shard) getOrCreateAccount(userID int64) *Account {
	if account, ok := s.accounts[userID]; ok {
		return account
	}
	account := NewAccount(userID)
	s.accounts[userID] = account
	return account
}

// GetStats 统计信息
func (s *Shard) GetStats() ShardStats {
	stats := s.stats
	stats.AccountCount = len(s.accounts)
	return stats
}

// Submit 提交命令
// timeout > 0 时同步等待结果；0 表示发后不理
func (s *Shard) Submit(cmd Command, timeout time.Duration) error {
	if timeout > 0 {
		cmd.Result = make(chan error, 1)
	}

	select {
	case s.cmdCh <- cmd:
	case <-s.ctx.Done():
		return ErrShardClosed
	}

	if timeout > 0 {
		select {
		case err := <-cmd.Result:
			return err
		case <-time.After(timeout):
			return ErrCommandTimeout
		case <-s.ctx.Done():
			return ErrShardClosed
		}
	}
	return nil
}
