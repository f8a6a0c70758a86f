// 文件: pkg/settle/engine.go
// 市场结算引擎
//
// 【核心职责】
// 1. 市场有结果后按 100¢/份赔付赢方、归零输方
// 2. 市场作废时按成本退款
// 3. 定时扫描 SETTLING 状态的市场，崩溃后自动续算
//
// 【结算流程】
// 1. 状态流转: ACTIVE -> SETTLING (条件更新，并发安全)
// 2. 清空订单簿，释放全部在途冻结
// 3. 从账本收集该市场的所有持仓
// 4. 分批赔付: 赢方每份 100¢，输方持仓归零
// 5. 状态流转: SETTLING -> SETTLED，关停撮合引擎
//
// 幂等性: 账本命令键由 (市场, 用户, 合约) 决定，重复执行直接被
// 账本去重；状态流转是条件更新。结算中途崩溃后重跑同一市场，
// 已完成的步骤全部空转，未完成的接着做。

package settle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/market"
	"pmx.com/pkg/match"
	"pmx.com/pkg/trading"
)

var (
	ErrSettlementInProgress = errors.New("settlement already in progress")
	ErrMarketNotSettleable  = errors.New("market is not in a settleable status")
	ErrResolutionMissing    = errors.New("market has no resolution recorded")
)

// =============================================================================
// 配置
// =============================================================================

type Config struct {
	// ScanInterval 扫描 SETTLING 市场的间隔 (崩溃续算)
	ScanInterval time.Duration

	// SettleTimeout 单个市场结算的超时时间
	SettleTimeout time.Duration

	// BatchSize 每批赔付的持仓数量
	BatchSize int

	// WorkerCount 批内并行 worker 数
	WorkerCount int
}

func DefaultConfig() *Config {
	return &Config{
		ScanInterval:  time.Minute,
		SettleTimeout: 10 * time.Minute,
		BatchSize:     1000,
		WorkerCount:   4,
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine 结算引擎
//
// 独立于撮合引擎的单独服务。结算由运营方调用 SettleMarket 触发，
// 扫描循环只负责把中断的结算接着跑完。
type Engine struct {
	config    *Config
	ledger    *ledger.Engine
	markets   *market.Manager
	trading   *trading.Processor
	publisher journal.Publisher // 可为 nil

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 防止同一市场并发结算
	settling sync.Map // marketID -> struct{}
}

func NewEngine(
	config *Config,
	ldg *ledger.Engine,
	markets *market.Manager,
	processor *trading.Processor,
	publisher journal.Publisher,
) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:    config,
		ledger:    ldg,
		markets:   markets,
		trading:   processor,
		publisher: publisher,
		stopCh:    make(chan struct{}),
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动扫描循环
func (e *Engine) Start() error {
	if e.running {
		return errors.New("settle engine already running")
	}
	e.running = true
	e.wg.Add(1)
	go e.scanLoop()

	log.Println("[Settle] engine started")
	return nil
}

// Stop 停止引擎，等待在途结算完成
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.running = false

	log.Println("[Settle] engine stopped")
}

// IsSettling 市场是否正在结算中
func (e *Engine) IsSettling(marketID int64) bool {
	_, ok := e.settling.Load(marketID)
	return ok
}

// =============================================================================
// 扫描循环 (崩溃续算)
// =============================================================================

func (e *Engine) scanLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.resumeInterrupted()
		}
	}
}

// resumeInterrupted 找出卡在 SETTLING 的市场接着算
// (正常结算一气呵成，这里捞到的都是上次进程崩溃留下的)
func (e *Engine) resumeInterrupted() {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.SettleTimeout)
	defer cancel()

	markets, err := e.markets.ListByStatus(ctx, market.StatusSettling)
	if err != nil {
		log.Printf("[Settle] list settling markets error: %v", err)
		return
	}

	for _, m := range markets {
		if m.Resolution == market.ResolutionNone {
			log.Printf("[Settle] market %d stuck in SETTLING without resolution", m.ID)
			continue
		}
		log.Printf("[Settle] resuming interrupted settlement: market=%d", m.ID)
		if err := e.SettleMarket(ctx, m.ID, m.Resolution); err != nil &&
			!errors.Is(err, ErrSettlementInProgress) {
			log.Printf("[Settle] resume market %d error: %v", m.ID, err)
		}
	}
}

// =============================================================================
// 结算
// =============================================================================

// SettleMarket 按结果结算市场
//
// 赢方每份赔 100¢，输方持仓归零。可重入: 已结算过的步骤被账本/
// 状态机去重，重跑安全。
func (e *Engine) SettleMarket(ctx context.Context, marketID int64, resolution market.Resolution) error {
	if _, loaded := e.settling.LoadOrStore(marketID, struct{}{}); loaded {
		return ErrSettlementInProgress
	}
	defer e.settling.Delete(marketID)

	// 停止交易: ACTIVE -> SETTLING
	if err := e.markets.BeginSettlement(ctx, marketID, resolution); err != nil {
		if !errors.Is(err, market.ErrStatusConflict) {
			return fmt.Errorf("begin settlement market %d: %w", marketID, err)
		}
		// 状态冲突: 已在 SETTLING (续算) 或已终态 (幂等返回)
		m, getErr := e.markets.Get(ctx, marketID)
		if getErr != nil {
			return getErr
		}
		switch m.Status {
		case market.StatusSettling:
			// 续算，接着往下走
		case market.StatusSettled:
			return nil
		default:
			return ErrMarketNotSettleable
		}
	}

	// 清簿退回全部在途冻结
	if err := e.drainBook(marketID); err != nil {
		return fmt.Errorf("drain book market %d: %w", marketID, err)
	}

	// 赔付
	winner := resolution.WinningContract()
	holdings, err := e.ledger.MarketHoldings(marketID)
	if err != nil {
		return fmt.Errorf("collect holdings market %d: %w", marketID, err)
	}
	if err := e.payoutAll(marketID, winner, holdings); err != nil {
		return fmt.Errorf("payout market %d: %w", marketID, err)
	}

	// SETTLING -> SETTLED，关停引擎
	if err := e.markets.FinishSettlement(ctx, marketID); err != nil {
		return fmt.Errorf("finish settlement market %d: %w", marketID, err)
	}
	if e.trading != nil {
		e.trading.CloseMarket(marketID)
	}

	log.Printf("[Settle] market %d settled: resolution=%s, holders=%d",
		marketID, resolution, len(holdings))
	return nil
}

// VoidMarket 作废市场，全员按成本退款
//
// 市场因问题无效 (问题歧义、事件取消) 时的逃生通道:
// 不分输赢，每个持仓按记账成本退现金，已实现盈亏保持不变。
func (e *Engine) VoidMarket(ctx context.Context, marketID int64) error {
	if _, loaded := e.settling.LoadOrStore(marketID, struct{}{}); loaded {
		return ErrSettlementInProgress
	}
	defer e.settling.Delete(marketID)

	if err := e.markets.CancelMarket(ctx, marketID); err != nil {
		if !errors.Is(err, market.ErrStatusConflict) {
			return fmt.Errorf("cancel market %d: %w", marketID, err)
		}
		m, getErr := e.markets.Get(ctx, marketID)
		if getErr != nil {
			return getErr
		}
		if m.Status != market.StatusCancelled {
			return ErrMarketNotSettleable
		}
		// 已是 CANCELLED: 退款可能没退完，接着跑
	}

	if err := e.drainBook(marketID); err != nil {
		return fmt.Errorf("drain book market %d: %w", marketID, err)
	}

	holdings, err := e.ledger.MarketHoldings(marketID)
	if err != nil {
		return fmt.Errorf("collect holdings market %d: %w", marketID, err)
	}
	if err := e.refundAll(marketID, holdings); err != nil {
		return fmt.Errorf("refund market %d: %w", marketID, err)
	}

	if e.trading != nil {
		e.trading.CloseMarket(marketID)
	}

	log.Printf("[Settle] market %d voided: holders refunded=%d", marketID, len(holdings))
	return nil
}

// =============================================================================
// 清簿
// =============================================================================

// drainBook 撤掉簿中全部订单并释放冻结
//
// Drain 同步拿到全部被撤订单，逐个按剩余量释放。进程重启后的
// 续算场景里市场引擎由 OpenMarket 恢复了订单簿，同样适用。
func (e *Engine) drainBook(marketID int64) error {
	if e.trading == nil {
		return nil
	}
	engine, ok := e.trading.Engine(marketID)
	if !ok {
		return nil
	}

	orders, err := engine.Drain()
	if err != nil {
		return err
	}

	for _, o := range orders {
		if err := e.releaseOrder(o); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		log.Printf("[Settle] market %d drained %d open orders", marketID, len(orders))
	}
	return nil
}

// releaseOrder 释放单个被撤订单的剩余冻结
func (e *Engine) releaseOrder(o *match.Order) error {
	remaining := o.RemainingQty()
	if remaining <= 0 {
		return nil
	}
	key := fmt.Sprintf("drain:%d:%d", o.ID, o.FilledQty)

	if o.Side == match.SideBuy {
		amount := remaining * o.ReservePerUnit()
		if err := e.apply(e.ledger.ReleaseFunds(key, o.UserID, amount)); err != nil {
			return fmt.Errorf("release order %d funds: %w", o.ID, err)
		}
		e.emit(journal.NewTransaction(journal.TxOrderRelease, o.UserID, o.MarketID,
			amount, remaining, o.Contract.String(), "ORDER", o.ID))
		return nil
	}

	if err := e.apply(e.ledger.ReleaseShares(key, o.UserID, o.MarketID, o.Contract, remaining)); err != nil {
		return fmt.Errorf("release order %d shares: %w", o.ID, err)
	}
	e.emit(journal.NewTransaction(journal.TxOrderRelease, o.UserID, o.MarketID,
		0, remaining, o.Contract.String(), "ORDER", o.ID))
	return nil
}

// =============================================================================
// 赔付
// =============================================================================

// payoutAll 分批并行赔付全部持仓
func (e *Engine) payoutAll(marketID int64, winner match.Contract, holdings []ledger.MarketHolding) error {
	total := 0
	for start := 0; start < len(holdings); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(holdings) {
			end = len(holdings)
		}
		if err := e.runBatch(holdings[start:end], func(h ledger.MarketHolding) error {
			return e.payoutHolder(marketID, winner, h)
		}); err != nil {
			return err
		}
		total += end - start
		log.Printf("[Settle] market %d: paid out %d/%d holders", marketID, total, len(holdings))
	}
	return nil
}

// payoutHolder 结算单个用户
//
// 赢方: 每份按 100¢ 移出并入账现金，差额进已实现盈亏
// 输方: 持仓按 0 所得移出，成本全额进亏损
func (e *Engine) payoutHolder(marketID int64, winner match.Contract, h ledger.MarketHolding) error {
	winQty, loseQty := h.YesQty, h.NoQty
	if winner == match.ContractNo {
		winQty, loseQty = h.NoQty, h.YesQty
	}
	loser := winner.Opposite()

	if winQty > 0 {
		payout := winQty * match.SetValue
		key := settleKey(marketID, h.UserID, winner)
		if err := e.apply(e.ledger.RemoveShares(key, h.UserID, marketID, winner, winQty, payout)); err != nil {
			return fmt.Errorf("settle win user %d: %w", h.UserID, err)
		}
		if err := e.apply(e.ledger.CreditFunds(key+":pay", h.UserID, payout)); err != nil {
			return fmt.Errorf("settle win payout user %d: %w", h.UserID, err)
		}
		e.emit(journal.NewTransaction(journal.TxSettlementWin, h.UserID, marketID,
			payout, winQty, winner.String(), "SETTLEMENT", marketID))
	}

	if loseQty > 0 {
		key := settleKey(marketID, h.UserID, loser)
		if err := e.apply(e.ledger.RemoveShares(key, h.UserID, marketID, loser, loseQty, 0)); err != nil {
			return fmt.Errorf("settle loss user %d: %w", h.UserID, err)
		}
		e.emit(journal.NewTransaction(journal.TxSettlementLoss, h.UserID, marketID,
			0, loseQty, loser.String(), "SETTLEMENT", marketID))
	}

	return nil
}

// refundAll 作废退款: 双边持仓都按记账成本退现金
func (e *Engine) refundAll(marketID int64, holdings []ledger.MarketHolding) error {
	return e.runBatch(holdings, func(h ledger.MarketHolding) error {
		if err := e.refundSide(marketID, h.UserID, match.ContractYes, h.YesQty, h.YesCost); err != nil {
			return err
		}
		return e.refundSide(marketID, h.UserID, match.ContractNo, h.NoQty, h.NoCost)
	})
}

// refundSide 单边按成本退款，盈亏不变 (所得 = 成本)
func (e *Engine) refundSide(marketID, userID int64, contract match.Contract, qty, cost int64) error {
	if qty <= 0 {
		return nil
	}
	key := fmt.Sprintf("void:%d:%d:%s", marketID, userID, contract)
	if err := e.apply(e.ledger.RemoveShares(key, userID, marketID, contract, qty, cost)); err != nil {
		return fmt.Errorf("void %s user %d: %w", contract, userID, err)
	}
	if cost > 0 {
		if err := e.apply(e.ledger.CreditFunds(key+":pay", userID, cost)); err != nil {
			return fmt.Errorf("void %s refund user %d: %w", contract, userID, err)
		}
	}
	e.emit(journal.NewTransaction(journal.TxRefund, userID, marketID,
		cost, qty, contract.String(), "SETTLEMENT", marketID))
	return nil
}

// runBatch 信号量限流的批内并行
func (e *Engine) runBatch(holdings []ledger.MarketHolding, fn func(ledger.MarketHolding) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	sem := make(chan struct{}, e.config.WorkerCount)

	for _, h := range holdings {
		if h.YesQty == 0 && h.NoQty == 0 {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(holding ledger.MarketHolding) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(holding); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(h)
	}

	wg.Wait()
	return firstErr
}

// =============================================================================
// 内部
// =============================================================================

// settleKey 赔付命令的幂等键: 同一 (市场, 用户, 合约) 只会赔一次
func settleKey(marketID, userID int64, contract match.Contract) string {
	return fmt.Sprintf("settle:%d:%d:%s", marketID, userID, contract)
}

// apply 重复的账本命令视为已应用 (续算时大量出现)
func (e *Engine) apply(err error) error {
	if errors.Is(err, ledger.ErrDuplicateCommand) {
		return nil
	}
	return err
}

func (e *Engine) emit(tx *journal.Transaction) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTransaction(tx); err != nil {
		log.Printf("[Settle] publish transaction error: %v", err)
	}
}
