// 文件: pkg/match/matcher.go
// 预测市场撮合器 - 直接撮合 + 铸造撮合 + 销毁撮合
//
// 一个新订单按优先级尝试三种撮合:
//
//   (A) DIRECT: 同合约对手盘，买价 >= 卖价，成交价 = 挂单方价格
//   (B) MINT:   两个买单 (BUY YES + BUY NO)，限价和 >= 100，
//               系统铸造一整套，双方各得一份自己方向的合约
//   (C) MERGE:  两个卖单 (SELL YES + SELL NO)，限价和 <= 100，
//               系统花 $1 买回一整套并销毁，双方各收自己的限价
//
// 买单走 A→B，卖单走 A→C。市价单只走 A。
// 每一档内时间优先 (FIFO)，同一用户的挂单被跳过 (自成交防护)。

package match

import (
	"sync"
	"time"
)

// =============================================================================
// 结算接口
// =============================================================================

// Settler 撮合结果的资金结算方
//
// 撮合线程在每笔配对上同步调用，账本/持久化在这里完成，
// 成功返回后撮合器才更新内存中的订单与簿。约定:
// - 传入的订单是 "成交前" 状态，增量在 trade.Qty 里
// - 返回错误则本次配对不生效，撮合器停止继续撮合该订单
type Settler interface {
	// SettleDirect 直接成交: trade.Price 是挂单方价格
	SettleDirect(trade *Trade, taker, maker *Order) error

	// SettleMint 铸造成交: 双方都是买方
	// 进攻方实付 100 - 对手价，差额退回进攻方
	SettleMint(trade *Trade, yesBuy, noBuy *Order) error

	// SettleMerge 销毁成交: 双方都是卖方，各收自己的限价
	SettleMerge(trade *Trade, yesSell, noSell *Order) error

	// ReleaseRemainder 订单剩余部分被引擎取消时同步释放冻结
	// (市价单余量、结算性错误导致的取消)
	ReleaseRemainder(order *Order, remaining int64) error
}

// =============================================================================
// 撮合结果 + 对象池
// =============================================================================

// MatchResult 撮合结果
type MatchResult struct {
	Trades       []*Trade
	TakerOrder   *Order
	FilledQty    int64
	RemainingQty int64
	FullyFilled  bool
	Rested       bool // 剩余部分是否挂入簿中
}

// MatchResult 对象池，撮合路径上减少分配
var matchResultPool = sync.Pool{
	New: func() interface{} {
		return &MatchResult{
			Trades: make([]*Trade, 0, 8),
		}
	},
}

func getMatchResult() *MatchResult {
	result := matchResultPool.Get().(*MatchResult)
	result.Trades = result.Trades[:0]
	result.TakerOrder = nil
	result.FilledQty = 0
	result.RemainingQty = 0
	result.FullyFilled = false
	result.Rested = false
	return result
}

// PutMatchResult 归还对象池，调用方用完结果后调用
func PutMatchResult(result *MatchResult) {
	if result != nil {
		matchResultPool.Put(result)
	}
}

// =============================================================================
// 撮合器
// =============================================================================

// Matcher 单市场撮合器，仅由 matchLoop 调用
type Matcher struct {
	book    *Book
	settler Settler

	// NewTradeID 成交 ID 生成 (默认时间戳递增，生产注入 snowflake)
	NewTradeID func() int64

	tradeSeq int64
}

// NewMatcher 创建撮合器
func NewMatcher(book *Book, settler Settler) *Matcher {
	m := &Matcher{
		book:    book,
		settler: settler,
	}
	m.NewTradeID = m.fallbackTradeID
	return m
}

func (m *Matcher) fallbackTradeID() int64 {
	m.tradeSeq++
	return time.Now().UnixNano()/1_000_000<<20 | (m.tradeSeq & 0xFFFFF)
}

// =============================================================================
// 入口
// =============================================================================

// Process 撮合一个新订单
//
// 返回撮合结果；err 非 nil 表示结算失败，订单剩余部分已被取消
// (冻结已通过 ReleaseRemainder 释放)，已完成的配对保持有效。
func (m *Matcher) Process(taker *Order) (*MatchResult, error) {
	result := getMatchResult()
	result.TakerOrder = taker

	err := m.sweepDirect(taker, result)

	// 市价单只做 DIRECT；限价单的剩余尝试跨盘撮合
	if err == nil && taker.Type == OrderTypeLimit && taker.RemainingQty() > 0 {
		if taker.Side == SideBuy {
			err = m.sweepMint(taker, result)
		} else {
			err = m.sweepMerge(taker, result)
		}
	}

	taker.touch()

	if err != nil {
		// 结算性失败: 剩余部分取消 + 释放冻结，已成交部分保留
		m.cancelRemainder(taker)
		m.finish(taker, result)
		return result, err
	}

	if taker.RemainingQty() > 0 {
		if taker.Type == OrderTypeLimit {
			// 限价单剩余挂簿
			m.book.Add(taker)
			result.Rested = true
		} else {
			// 市价单剩余取消，退还冻结上限的余量
			m.cancelRemainder(taker)
		}
	}

	m.finish(taker, result)
	return result, nil
}

func (m *Matcher) finish(taker *Order, result *MatchResult) {
	result.FilledQty = taker.FilledQty
	result.RemainingQty = taker.RemainingQty()
	result.FullyFilled = taker.IsFilled()
}

// cancelRemainder 取消订单剩余部分并释放冻结
func (m *Matcher) cancelRemainder(taker *Order) {
	remaining := taker.RemainingQty()
	if remaining > 0 {
		_ = m.settler.ReleaseRemainder(taker, remaining)
	}
	taker.Status = OrderStatusCancelled
}

// =============================================================================
// (A) DIRECT
// =============================================================================

// crosses 直接撮合价格判断
// 买: 限价 >= 卖价；卖: 限价 <= 买价
func crosses(side Side, limit, restingPrice int64) bool {
	if side == SideBuy {
		return limit >= restingPrice
	}
	return limit <= restingPrice
}

// sweepDirect 扫同合约对手盘
func (m *Matcher) sweepDirect(taker *Order, result *MatchResult) error {
	index := m.book.opposite(taker.Side, taker.Contract)
	limit := taker.limitFor()

	for _, node := range m.collectLevels(index, func(p int64) bool {
		return crosses(taker.Side, limit, p)
	}) {
		if taker.RemainingQty() == 0 {
			break
		}
		if err := m.sweepLevel(taker, index, node, m.fillDirect, result); err != nil {
			return err
		}
	}
	return nil
}

// fillDirect 执行一笔直接配对
func (m *Matcher) fillDirect(taker, maker *Order, qty int64) (*Trade, error) {
	trade := &Trade{
		ID:           m.NewTradeID(),
		MarketID:     taker.MarketID,
		Contract:     taker.Contract,
		Type:         TradeDirect,
		Price:        maker.Price, // 成交价 = 挂单方价格，价差让利给进攻方
		Qty:          qty,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		ExecutedAt:   tradeNow(),
	}
	if err := m.settler.SettleDirect(trade, taker, maker); err != nil {
		return nil, err
	}
	return trade, nil
}

// =============================================================================
// (B) MINT - 横跨两个买盘
// =============================================================================

// sweepMint 扫互补合约的买盘
// 进攻方 BUY c @ p，对手 BUY !c @ q，条件 p + q >= 100，对手价高者优先
func (m *Matcher) sweepMint(taker *Order, result *MatchResult) error {
	index := m.book.complementBids(taker.Contract)

	for _, node := range m.collectLevels(index, func(p int64) bool {
		return taker.Price+p >= SetValue
	}) {
		if taker.RemainingQty() == 0 {
			break
		}
		if err := m.sweepLevel(taker, index, node, m.fillMint, result); err != nil {
			return err
		}
	}
	return nil
}

// fillMint 执行一笔铸造配对
// 双方各付自己报的限价，价和超出 100 的部分退给进攻方:
// 进攻方实付 100 - 对手价，对手实付对手价
func (m *Matcher) fillMint(taker, maker *Order, qty int64) (*Trade, error) {
	trade := &Trade{
		ID:           m.NewTradeID(),
		MarketID:     taker.MarketID,
		Contract:     ContractYes,
		Type:         TradeMint,
		Price:        SetValue,
		Qty:          qty,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		ExecutedAt:   tradeNow(),
	}

	var yesBuy, noBuy *Order
	if taker.Contract == ContractYes {
		yesBuy, noBuy = taker, maker
	} else {
		yesBuy, noBuy = maker, taker
	}
	trade.YesPrice = yesBuy.Price
	trade.NoPrice = noBuy.Price

	if err := m.settler.SettleMint(trade, yesBuy, noBuy); err != nil {
		return nil, err
	}
	return trade, nil
}

// =============================================================================
// (C) MERGE - 横跨两个卖盘
// =============================================================================

// sweepMerge 扫互补合约的卖盘
// 进攻方 SELL c @ p，对手 SELL !c @ q，条件 p + q <= 100，对手价低者优先
func (m *Matcher) sweepMerge(taker *Order, result *MatchResult) error {
	index := m.book.complementAsks(taker.Contract)

	for _, node := range m.collectLevels(index, func(p int64) bool {
		return taker.Price+p <= SetValue
	}) {
		if taker.RemainingQty() == 0 {
			break
		}
		if err := m.sweepLevel(taker, index, node, m.fillMerge, result); err != nil {
			return err
		}
	}
	return nil
}

// fillMerge 执行一笔销毁配对
// 双方各收自己的限价，价和不足 100 的部分由系统保留
func (m *Matcher) fillMerge(taker, maker *Order, qty int64) (*Trade, error) {
	trade := &Trade{
		ID:           m.NewTradeID(),
		MarketID:     taker.MarketID,
		Contract:     ContractYes,
		Type:         TradeMerge,
		Price:        0,
		Qty:          qty,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		ExecutedAt:   tradeNow(),
	}

	var yesSell, noSell *Order
	if taker.Contract == ContractYes {
		yesSell, noSell = taker, maker
	} else {
		yesSell, noSell = maker, taker
	}
	trade.YesPrice = yesSell.Price
	trade.NoPrice = noSell.Price

	if err := m.settler.SettleMerge(trade, yesSell, noSell); err != nil {
		return nil, err
	}
	return trade, nil
}

// =============================================================================
// 档位扫描
// =============================================================================

// fillFunc 一笔配对的执行函数 (direct / mint / merge)
type fillFunc func(taker, maker *Order, qty int64) (*Trade, error)

// collectLevels 预收集满足价格条件的档位
//
// 扫描过程中会删除空档位，跳表接口没有 "给我下一个价位" 的
// 游标，先收集再遍历最简单；扫描期间不会有新档位插入
// (单写者)，被删的只会是当前正在处理的档位。
func (m *Matcher) collectLevels(index PriceIndex, ok func(price int64) bool) []PriceNode {
	var nodes []PriceNode
	index.ForEach(func(n PriceNode) bool {
		if !ok(n.GetPrice()) {
			return false
		}
		nodes = append(nodes, n)
		return true
	})
	return nodes
}

// sweepLevel 在一个档位内按 FIFO 撮合
//
// 自成交防护: 同一用户的挂单跳过 (offset++ 越过它继续向后)，
// 挂单保留在簿中，绝不因此报错。
func (m *Matcher) sweepLevel(taker *Order, index PriceIndex, node PriceNode, fill fillFunc, result *MatchResult) error {
	level := node.GetLevel()
	offset := 0

	for taker.RemainingQty() > 0 && offset < level.Len() {
		maker := level.At(offset)

		if maker.UserID == taker.UserID {
			offset++ // 自成交: 跳过，去吃后面的单
			continue
		}

		qty := min64(taker.RemainingQty(), maker.RemainingQty())

		trade, err := fill(taker, maker, qty)
		if err != nil {
			return err
		}

		// 结算成功后才更新内存状态
		taker.FilledQty += qty
		maker.FilledQty += qty
		maker.touch()
		level.ReduceQty(qty)

		if maker.IsFilled() {
			// 从档位移除；后面的订单会补到当前 offset，不前移
			m.book.removeAt(index, node, offset)
		}

		result.Trades = append(result.Trades, trade)
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
