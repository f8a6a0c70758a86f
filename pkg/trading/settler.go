// 文件: pkg/trading/settler.go
// 撮合结算
//
// 实现 match.Settler: 撮合线程每配对一笔就同步调用，把成交落进
// 账本并发流水事件。账本命令的幂等键由 (taker, maker, taker 已成交量)
// 决定——同一笔配对在 WAL 回放时会带着完全相同的键重放，账本直接
// 去重，所以这里把"重复命令"当成功处理。
//
// 资金安全性: 消耗/入账只动已冻结的部分，单用户命令不会失败，
// 跨分片的双人结算不存在半途而废的状态。

package trading

import (
	"errors"
	"fmt"
	"log"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/match"
)

// LedgerSettler 账本结算器
type LedgerSettler struct {
	ledger    *ledger.Engine
	publisher journal.Publisher // 可为 nil (测试)
}

var _ match.Settler = (*LedgerSettler)(nil)

// NewLedgerSettler 创建结算器
func NewLedgerSettler(engine *ledger.Engine, publisher journal.Publisher) *LedgerSettler {
	return &LedgerSettler{ledger: engine, publisher: publisher}
}

// fillKey 一笔配对的幂等键前缀
// taker.FilledQty 是成交前的值，同一订单的多笔配对互不冲突，
// WAL 回放时按相同顺序重放得到相同的键
func fillKey(taker, maker *match.Order) string {
	return fmt.Sprintf("fill:%d:%d:%d", taker.ID, maker.ID, taker.FilledQty)
}

// apply 提交账本命令，重复命令视为已应用
func (s *LedgerSettler) apply(err error) error {
	if errors.Is(err, ledger.ErrDuplicateCommand) {
		return nil
	}
	return err
}

// emit 发流水事件，失败只记日志 (审计流水可由对账补齐)
func (s *LedgerSettler) emit(tx *journal.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransaction(tx); err != nil {
		log.Printf("[Settler] publish transaction error: %v", err)
	}
}

// =============================================================================
// DIRECT
// =============================================================================

// SettleDirect 直接成交: 买方付挂单价，卖方收挂单价，份额转移
func (s *LedgerSettler) SettleDirect(trade *match.Trade, taker, maker *match.Order) error {
	buyer, seller := taker, maker
	if taker.Side == match.SideSell {
		buyer, seller = maker, taker
	}

	key := fillKey(taker, maker)
	cost := trade.Price * trade.Qty
	contract := trade.Contract

	// 买方: 冻结资金付款，价差退回 (挂单方价差恒为 0)
	if err := s.apply(s.ledger.ConsumeFunds(key+":buy", buyer.UserID, cost)); err != nil {
		return fmt.Errorf("direct buy leg: %w", err)
	}
	s.emit(journal.NewTransaction(journal.TxTradeBuy, buyer.UserID, trade.MarketID,
		-cost, trade.Qty, contract.String(), "TRADE", trade.ID))

	if improve := (buyer.ReservePerUnit() - trade.Price) * trade.Qty; improve > 0 {
		if err := s.apply(s.ledger.ReleaseFunds(key+":improve", buyer.UserID, improve)); err != nil {
			return fmt.Errorf("direct price improvement: %w", err)
		}
		s.emit(journal.NewTransaction(journal.TxRefund, buyer.UserID, trade.MarketID,
			improve, 0, "", "TRADE", trade.ID))
	}

	if err := s.apply(s.ledger.CreditShares(key+":buy-shares", buyer.UserID,
		trade.MarketID, contract, trade.Qty, cost)); err != nil {
		return fmt.Errorf("direct buy shares: %w", err)
	}

	// 卖方: 冻结份额交货，收款
	if err := s.apply(s.ledger.ConsumeShares(key+":sell-shares", seller.UserID,
		trade.MarketID, contract, trade.Qty, cost)); err != nil {
		return fmt.Errorf("direct sell shares: %w", err)
	}
	if err := s.apply(s.ledger.CreditFunds(key+":sell", seller.UserID, cost)); err != nil {
		return fmt.Errorf("direct sell leg: %w", err)
	}
	s.emit(journal.NewTransaction(journal.TxTradeSell, seller.UserID, trade.MarketID,
		cost, trade.Qty, contract.String(), "TRADE", trade.ID))

	return nil
}

// =============================================================================
// MINT
// =============================================================================

// SettleMint 铸造成交: 挂单方付自己的限价，进攻方付 100 - 挂单方限价，
// 价和超出 100 的部分从进攻方的冻结中退回
func (s *LedgerSettler) SettleMint(trade *match.Trade, yesBuy, noBuy *match.Order) error {
	taker, maker := yesBuy, noBuy
	if trade.TakerOrderID == noBuy.ID {
		taker, maker = noBuy, yesBuy
	}

	key := fillKey(taker, maker)
	makerUnit := maker.Price
	takerUnit := match.SetValue - maker.Price

	if err := s.settleMintLeg(key, trade, maker, makerUnit); err != nil {
		return err
	}
	return s.settleMintLeg(key, trade, taker, takerUnit)
}

// settleMintLeg 单个买方: 实付 unit×qty，多冻结的退回，入账份额
func (s *LedgerSettler) settleMintLeg(key string, trade *match.Trade, buyer *match.Order, unit int64) error {
	suffix := ":" + buyer.Contract.String()
	cost := unit * trade.Qty

	if err := s.apply(s.ledger.ConsumeFunds(key+":mint"+suffix, buyer.UserID, cost)); err != nil {
		return fmt.Errorf("mint %s leg: %w", buyer.Contract, err)
	}
	s.emit(journal.NewTransaction(journal.TxMintMatch, buyer.UserID, trade.MarketID,
		-cost, trade.Qty, buyer.Contract.String(), "TRADE", trade.ID))

	if improve := (buyer.ReservePerUnit() - unit) * trade.Qty; improve > 0 {
		if err := s.apply(s.ledger.ReleaseFunds(key+":improve"+suffix, buyer.UserID, improve)); err != nil {
			return fmt.Errorf("mint %s improvement: %w", buyer.Contract, err)
		}
		s.emit(journal.NewTransaction(journal.TxRefund, buyer.UserID, trade.MarketID,
			improve, 0, "", "TRADE", trade.ID))
	}

	if err := s.apply(s.ledger.CreditShares(key+":shares"+suffix, buyer.UserID,
		trade.MarketID, buyer.Contract, trade.Qty, cost)); err != nil {
		return fmt.Errorf("mint %s shares: %w", buyer.Contract, err)
	}
	return nil
}

// =============================================================================
// MERGE
// =============================================================================

// SettleMerge 销毁成交: 双方交出份额，各收自己的限价，
// 价和不足 100 的部分由系统保留
func (s *LedgerSettler) SettleMerge(trade *match.Trade, yesSell, noSell *match.Order) error {
	taker, maker := yesSell, noSell
	if trade.TakerOrderID == noSell.ID {
		taker, maker = noSell, yesSell
	}

	key := fillKey(taker, maker)
	if err := s.settleMergeLeg(key, trade, yesSell); err != nil {
		return err
	}
	return s.settleMergeLeg(key, trade, noSell)
}

func (s *LedgerSettler) settleMergeLeg(key string, trade *match.Trade, seller *match.Order) error {
	suffix := ":" + seller.Contract.String()
	proceeds := seller.Price * trade.Qty

	if err := s.apply(s.ledger.ConsumeShares(key+":merge-shares"+suffix, seller.UserID,
		trade.MarketID, seller.Contract, trade.Qty, proceeds)); err != nil {
		return fmt.Errorf("merge %s shares: %w", seller.Contract, err)
	}
	if err := s.apply(s.ledger.CreditFunds(key+":merge"+suffix, seller.UserID, proceeds)); err != nil {
		return fmt.Errorf("merge %s leg: %w", seller.Contract, err)
	}
	s.emit(journal.NewTransaction(journal.TxMergeMatch, seller.UserID, trade.MarketID,
		proceeds, trade.Qty, seller.Contract.String(), "TRADE", trade.ID))

	return nil
}

// =============================================================================
// 剩余释放
// =============================================================================

// ReleaseRemainder 引擎取消订单剩余时释放冻结
// (市价单余量、结算错误后的保护性取消)
func (s *LedgerSettler) ReleaseRemainder(order *match.Order, remaining int64) error {
	if remaining <= 0 {
		return nil
	}
	key := fmt.Sprintf("release:%d:%d", order.ID, order.FilledQty)

	if order.Side == match.SideBuy {
		amount := remaining * order.ReservePerUnit()
		if err := s.apply(s.ledger.ReleaseFunds(key, order.UserID, amount)); err != nil {
			return fmt.Errorf("release remainder funds: %w", err)
		}
		s.emit(journal.NewTransaction(journal.TxRefund, order.UserID, order.MarketID,
			amount, 0, "", "ORDER", order.ID))
		return nil
	}

	if err := s.apply(s.ledger.ReleaseShares(key, order.UserID,
		order.MarketID, order.Contract, remaining)); err != nil {
		return fmt.Errorf("release remainder shares: %w", err)
	}
	s.emit(journal.NewTransaction(journal.TxOrderRelease, order.UserID, order.MarketID,
		0, remaining, order.Contract.String(), "ORDER", order.ID))
	return nil
}
