// 文件: pkg/trading/processor.go
// 交易处理器
//
// 对外的下单/撤单/铸造/赎回/出入金入口。职责边界:
// - 校验 + 预留在这里同步完成，下单调用在订单被接受后就返回，
//   不等撮合结果 (成交由事件驱动落库/推送)
// - 每个市场一个撮合引擎，单写者循环，处理器只投递命令
// - 撤单经引擎同步返回权威的剩余量，再由处理器释放冻结

package trading

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/market"
	"pmx.com/pkg/match"
	"pmx.com/pkg/order"
)

const defaultDBTimeout = 5 * time.Second

func nowNano() int64 {
	return time.Now().UnixNano()
}

// Deps 处理器依赖，Orders/Trades/Publisher 可为 nil
type Deps struct {
	Ledger    *ledger.Engine
	Markets   *market.Manager
	Orders    *order.OrderService
	Trades    *TradeRepo
	Publisher journal.Publisher

	// EngineConfig 每市场引擎配置，nil 用默认
	EngineConfig func(marketID int64) match.EngineConfig
}

// Processor 交易处理器
type Processor struct {
	deps    Deps
	settler *LedgerSettler

	mu      sync.RWMutex
	engines map[int64]*match.Engine
}

// NewProcessor 创建处理器
func NewProcessor(deps Deps) *Processor {
	if deps.EngineConfig == nil {
		deps.EngineConfig = match.DefaultEngineConfig
	}
	return &Processor{
		deps:    deps,
		settler: NewLedgerSettler(deps.Ledger, deps.Publisher),
		engines: make(map[int64]*match.Engine),
	}
}

// =============================================================================
// 市场引擎管理
// =============================================================================

// OpenMarket 为市场启动撮合引擎，并恢复未完结订单
func (p *Processor) OpenMarket(ctx context.Context, marketID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.engines[marketID]; ok {
		return nil
	}

	engine, err := match.NewEngine(p.deps.EngineConfig(marketID), p.settler)
	if err != nil {
		return fmt.Errorf("create engine for market %d: %w", marketID, err)
	}
	engine.SetTradeIDFunc(order.GenerateTradeID)

	// 事件链: 成交/撤单 → 成交表 + 流水 + 订单表 + 行情
	engine.OnEvent(p.handleEngineEvent)
	if p.deps.Orders != nil {
		engine.OnEvent(p.deps.Orders.HandleEngineEvent)
	}
	if p.deps.Markets != nil {
		engine.OnEvent(p.deps.Markets.HandleEngineEvent)
	}

	// 从订单表恢复订单簿
	if p.deps.Orders != nil {
		open, err := p.deps.Orders.LoadOpenOrders(ctx, marketID)
		if err != nil {
			return fmt.Errorf("load open orders for market %d: %w", marketID, err)
		}
		if restored := engine.Restore(open); restored > 0 {
			log.Printf("[Trading] market %d restored %d open orders", marketID, restored)
		}
	}

	engine.Start()
	p.engines[marketID] = engine
	return nil
}

// CloseMarket 停止并移除市场引擎 (结算/作废后调用)
func (p *Processor) CloseMarket(marketID int64) {
	p.mu.Lock()
	engine, ok := p.engines[marketID]
	if ok {
		delete(p.engines, marketID)
	}
	p.mu.Unlock()

	if ok {
		engine.Stop()
	}
}

// Engine 市场的撮合引擎
func (p *Processor) Engine(marketID int64) (*match.Engine, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	engine, ok := p.engines[marketID]
	return engine, ok
}

// =============================================================================
// 出入金
// =============================================================================

// Deposit 入金，cmdID 是调用方的幂等键
func (p *Processor) Deposit(cmdID string, userID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	if err := p.deps.Ledger.Deposit(cmdID, userID, amount); err != nil {
		return translateLedgerError(err)
	}
	p.publishTx(journal.NewTransaction(journal.TxDeposit, userID, 0, amount, 0, "", "DEPOSIT", userID))
	return nil
}

// Withdraw 出金，只能动可用余额
func (p *Processor) Withdraw(cmdID string, userID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	if err := p.deps.Ledger.Withdraw(cmdID, userID, amount); err != nil {
		return translateLedgerError(err)
	}
	p.publishTx(journal.NewTransaction(journal.TxWithdrawal, userID, 0, -amount, 0, "", "WITHDRAWAL", userID))
	return nil
}

// =============================================================================
// 下单
// =============================================================================

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	UserID   int64
	MarketID int64
	Side     match.Side
	Contract match.Contract
	Type     match.OrderType
	Price    int64 // 美分，限价单 1-99；市价单忽略
	Qty      int64
}

// PlaceOrder 下单: 校验 → 预留 → 落库 → 投递撮合
// 接受即返回，不等成交
func (p *Processor) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*match.Order, error) {
	engine, ok := p.Engine(req.MarketID)
	if !ok {
		return nil, ErrMarketNotActive
	}
	if err := p.checkTradeable(ctx, req.MarketID); err != nil {
		return nil, err
	}
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	o := &match.Order{
		ID:       order.GenerateOrderID(),
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Side:     req.Side,
		Contract: req.Contract,
		Type:     req.Type,
		Price:    req.Price,
		Qty:      req.Qty,
		Status:   match.OrderStatusOpen,
	}

	// 预留资金/份额
	reserveKey := fmt.Sprintf("ord:%d:reserve", o.ID)
	if req.Side == match.SideBuy {
		amount := o.ReservePerUnit() * o.Qty
		if err := p.deps.Ledger.ReserveFunds(reserveKey, o.UserID, amount); err != nil {
			return nil, translateLedgerError(err)
		}
		p.publishTx(journal.NewTransaction(journal.TxOrderReserve, o.UserID, o.MarketID,
			0, o.Qty, o.Contract.String(), "ORDER", o.ID))
	} else {
		if err := p.deps.Ledger.ReserveShares(reserveKey, o.UserID, o.MarketID, o.Contract, o.Qty); err != nil {
			return nil, translateLedgerError(err)
		}
		p.publishTx(journal.NewTransaction(journal.TxOrderReserve, o.UserID, o.MarketID,
			0, o.Qty, o.Contract.String(), "ORDER", o.ID))
	}

	// 落库
	if p.deps.Orders != nil {
		if err := p.deps.Orders.CreateFromMatch(ctx, o); err != nil {
			p.rollbackReservation(o)
			return nil, wrapError(CodeInternal, "persist order", err)
		}
	}

	// 受理快照先拷贝: 订单交给撮合循环后由它独占改写
	accepted := *o

	// 投递撮合
	if !engine.Submit(o) {
		p.rollbackReservation(o)
		if p.deps.Orders != nil {
			_ = p.deps.Orders.OnOrderCancelled(ctx, o.ID)
		}
		return nil, wrapError(CodeInternal, "matching engine unavailable", nil)
	}

	return &accepted, nil
}

// validateOrder 下单参数校验
func validateOrder(req PlaceOrderRequest) error {
	if req.Qty < 1 {
		return ErrInvalidQuantity
	}
	if req.Side != match.SideBuy && req.Side != match.SideSell {
		return wrapError(CodeInvalidQuantity, "invalid side", nil)
	}
	if req.Contract != match.ContractYes && req.Contract != match.ContractNo {
		return wrapError(CodeInvalidQuantity, "invalid contract", nil)
	}
	switch req.Type {
	case match.OrderTypeLimit:
		if req.Price < match.PriceMin || req.Price > match.PriceMax {
			return ErrInvalidPrice
		}
	case match.OrderTypeMarket:
	default:
		return wrapError(CodeInvalidQuantity, "invalid order type", nil)
	}
	return nil
}

// rollbackReservation 下单后半程失败时退回预留
func (p *Processor) rollbackReservation(o *match.Order) {
	key := fmt.Sprintf("ord:%d:rollback", o.ID)
	var err error
	if o.Side == match.SideBuy {
		err = p.deps.Ledger.ReleaseFunds(key, o.UserID, o.ReservePerUnit()*o.Qty)
	} else {
		err = p.deps.Ledger.ReleaseShares(key, o.UserID, o.MarketID, o.Contract, o.Qty)
	}
	if err != nil {
		log.Printf("[Trading] rollback reservation for order %d error: %v", o.ID, err)
	}
}

// =============================================================================
// 撤单
// =============================================================================

// CancelResult 撤单结果
type CancelResult struct {
	Order          *match.Order
	RefundedCents  int64 // 买单释放的资金
	RefundedShares int64 // 卖单释放的份额
}

// CancelOrder 撤单: 经引擎命令队列同步移簿，再释放剩余冻结
func (p *Processor) CancelOrder(ctx context.Context, userID, marketID, orderID int64) (*CancelResult, error) {
	engine, ok := p.Engine(marketID)
	if !ok {
		return nil, ErrMarketNotActive
	}

	// 订单表先行检查，给出准确的错误码
	if p.deps.Orders != nil {
		record, err := p.deps.Orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, ErrOrderNotFound
		}
		if record.UserID != userID {
			return nil, ErrOrderNotFound
		}
		// 市价单从不挂簿，撤单无意义
		if record.OrderType == match.OrderTypeMarket || !record.IsActive() {
			return nil, ErrOrderNotCancellable
		}
	}

	cancelled, err := engine.Cancel(orderID)
	if err != nil {
		return nil, wrapError(CodeInternal, "cancel order", err)
	}
	if cancelled == nil {
		// 不在簿中: 已成交或已撤销
		return nil, ErrOrderNotCancellable
	}
	if cancelled.UserID != userID {
		return nil, ErrOrderNotFound
	}

	// 释放剩余冻结
	remaining := cancelled.RemainingQty()
	result := &CancelResult{Order: cancelled}
	key := fmt.Sprintf("cancel:%d", orderID)

	if cancelled.Side == match.SideBuy {
		result.RefundedCents = remaining * cancelled.ReservePerUnit()
		if result.RefundedCents > 0 {
			if err := p.deps.Ledger.ReleaseFunds(key, userID, result.RefundedCents); err != nil {
				return nil, translateLedgerError(err)
			}
		}
	} else {
		result.RefundedShares = remaining
		if remaining > 0 {
			if err := p.deps.Ledger.ReleaseShares(key, userID, marketID, cancelled.Contract, remaining); err != nil {
				return nil, translateLedgerError(err)
			}
		}
	}
	p.publishTx(journal.NewTransaction(journal.TxOrderRelease, userID, marketID,
		0, remaining, cancelled.Contract.String(), "ORDER", orderID))

	return result, nil
}

// =============================================================================
// 铸造 / 赎回整套 (绕过订单簿)
// =============================================================================

// MintSet 花 qty × $1 铸造 qty 套 (YES+NO 各 qty 份)
// 成本各记一半 (每份 50 美分)
func (p *Processor) MintSet(ctx context.Context, userID, marketID, qty int64) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	if err := p.checkTradeable(ctx, marketID); err != nil {
		return err
	}

	opID := order.GenerateOrderID()
	total := qty * match.SetValue
	halfCost := total / 2

	// 预留后消耗: 预留这步把余额不足挡在变更之前
	if err := p.deps.Ledger.ReserveFunds(key(opID, "mint:reserve"), userID, total); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.ConsumeFunds(key(opID, "mint:consume"), userID, total); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.CreditShares(key(opID, "mint:yes"), userID, marketID, match.ContractYes, qty, halfCost); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.CreditShares(key(opID, "mint:no"), userID, marketID, match.ContractNo, qty, halfCost); err != nil {
		return translateLedgerError(err)
	}

	p.publishTx(journal.NewTransaction(journal.TxMint, userID, marketID, -total, qty, "", "MINT", opID))
	p.adjustShares(ctx, marketID, qty)
	return nil
}

// RedeemSet 交回 qty 套换 qty × $1
// 先预留两边份额 (任一不足则全退)，再消耗，保证不会只扣一半
func (p *Processor) RedeemSet(ctx context.Context, userID, marketID, qty int64) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	if err := p.checkTradeable(ctx, marketID); err != nil {
		return err
	}

	opID := order.GenerateOrderID()
	total := qty * match.SetValue
	halfProceeds := total / 2

	if err := p.deps.Ledger.ReserveShares(key(opID, "redeem:rsv-yes"), userID, marketID, match.ContractYes, qty); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.ReserveShares(key(opID, "redeem:rsv-no"), userID, marketID, match.ContractNo, qty); err != nil {
		// YES 已预留，退回
		_ = p.deps.Ledger.ReleaseShares(key(opID, "redeem:unrsv-yes"), userID, marketID, match.ContractYes, qty)
		return translateLedgerError(err)
	}

	if err := p.deps.Ledger.ConsumeShares(key(opID, "redeem:yes"), userID, marketID, match.ContractYes, qty, halfProceeds); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.ConsumeShares(key(opID, "redeem:no"), userID, marketID, match.ContractNo, qty, halfProceeds); err != nil {
		return translateLedgerError(err)
	}
	if err := p.deps.Ledger.CreditFunds(key(opID, "redeem:credit"), userID, total); err != nil {
		return translateLedgerError(err)
	}

	p.publishTx(journal.NewTransaction(journal.TxRedeem, userID, marketID, total, qty, "", "REDEEM", opID))
	p.adjustShares(ctx, marketID, -qty)
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// GetBalance 可用余额 (美分)
func (p *Processor) GetBalance(userID int64) int64 {
	return p.deps.Ledger.GetAvailable(userID)
}

// GetPosition 持仓快照
func (p *Processor) GetPosition(userID, marketID int64) (ledger.Position, bool) {
	return p.deps.Ledger.GetPosition(userID, marketID)
}

// OrderBook 订单簿快照 (无锁)
func (p *Processor) OrderBook(marketID int64) (*match.BookSnapshot, error) {
	engine, ok := p.Engine(marketID)
	if !ok {
		return nil, ErrMarketNotActive
	}
	return engine.Snapshot(), nil
}

// RecentTrades 市场最近成交
func (p *Processor) RecentTrades(ctx context.Context, marketID int64, limit int) ([]*TradeRecord, error) {
	if p.deps.Trades == nil {
		return nil, nil
	}
	return p.deps.Trades.ListByMarket(ctx, marketID, limit)
}

// =============================================================================
// 内部
// =============================================================================

func key(opID int64, suffix string) string {
	return fmt.Sprintf("%s:%d", suffix, opID)
}

// checkTradeable 市场须 ACTIVE 且未过截止时间
func (p *Processor) checkTradeable(ctx context.Context, marketID int64) error {
	if p.deps.Markets == nil {
		return nil
	}
	m, err := p.deps.Markets.Get(ctx, marketID)
	if err != nil {
		return ErrMarketNotActive
	}
	if !m.IsTradeable(nowNano()) {
		return ErrMarketNotActive
	}
	return nil
}

func (p *Processor) adjustShares(ctx context.Context, marketID, delta int64) {
	if p.deps.Markets == nil {
		return
	}
	if err := p.deps.Markets.AdjustSharesOutstanding(ctx, marketID, delta); err != nil {
		log.Printf("[Trading] adjust shares outstanding error: market=%d, err=%v", marketID, err)
	}
}

func (p *Processor) publishTx(tx *journal.Transaction) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.PublishTransaction(tx); err != nil {
		log.Printf("[Trading] publish transaction error: %v", err)
	}
}

// handleEngineEvent 成交落库 + 成交事件外发
func (p *Processor) handleEngineEvent(event match.Event) {
	if event.Type != match.EventTrade {
		return
	}
	trade := event.Trade

	if p.deps.Trades != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDBTimeout)
		if err := p.deps.Trades.Insert(ctx, TradeRecordFrom(trade)); err != nil {
			log.Printf("[Trading] persist trade %d error: %v", trade.ID, err)
		}
		cancel()
	}

	if p.deps.Publisher != nil {
		ev := &journal.TradeEvent{
			TradeID:      trade.ID,
			MarketID:     trade.MarketID,
			Type:         trade.Type.String(),
			Contract:     trade.Contract.String(),
			Price:        trade.Price,
			Qty:          trade.Qty,
			YesPrice:     trade.YesPrice,
			NoPrice:      trade.NoPrice,
			TakerOrderID: trade.TakerOrderID,
			MakerOrderID: trade.MakerOrderID,
			ExecutedAt:   trade.ExecutedAt,
		}
		if err := p.deps.Publisher.PublishTrade(ev); err != nil {
			log.Printf("[Trading] publish trade %d error: %v", trade.ID, err)
		}
	}
}
