// 文件: pkg/match/book.go
// 预测市场订单簿 - 四队列无锁设计
//
// 一个市场有两本耦合的订单簿 (YES / NO)，共四个队列:
//   YES 买盘 (降序)  YES 卖盘 (升序)
//   NO  买盘 (降序)  NO  卖盘 (升序)
//
// 耦合点在撮合器: MINT 横跨两个买盘，MERGE 横跨两个卖盘。
//
// 并发模型与现货一致:
// 1. 撮合 goroutine 独享 Book，内部操作无锁
// 2. 外部查询走原子快照 (atomic.Pointer)，无锁读

package match

import (
	"sync/atomic"
)

// Book 一个市场的四队列订单簿
// 仅由该市场的 matchLoop 访问
type Book struct {
	MarketID int64

	yesBids PriceIndex // 降序
	yesAsks PriceIndex // 升序
	noBids  PriceIndex // 降序
	noAsks  PriceIndex // 升序

	// 订单索引: OrderID → Order (撤单 O(1) 定位)
	orderIndex map[int64]*Order

	// 快照，供外部无锁读
	snapshot atomic.Pointer[BookSnapshot]
}

// NewBook 创建订单簿
func NewBook(marketID int64) *Book {
	b := &Book{
		MarketID:   marketID,
		yesBids:    NewSkipList(false),
		yesAsks:    NewSkipList(true),
		noBids:     NewSkipList(false),
		noAsks:     NewSkipList(true),
		orderIndex: make(map[int64]*Order),
	}
	b.snapshot.Store(&BookSnapshot{MarketID: marketID})
	return b
}

// queue 取指定方向/合约的队列
func (b *Book) queue(side Side, contract Contract) PriceIndex {
	if contract == ContractYes {
		if side == SideBuy {
			return b.yesBids
		}
		return b.yesAsks
	}
	if side == SideBuy {
		return b.noBids
	}
	return b.noAsks
}

// opposite 同合约对手队列 (DIRECT 撮合用)
func (b *Book) opposite(side Side, contract Contract) PriceIndex {
	return b.queue(side.Opposite(), contract)
}

// complementBids / complementAsks 互补合约的同向队列 (MINT / MERGE 用)
func (b *Book) complementBids(contract Contract) PriceIndex {
	return b.queue(SideBuy, contract.Opposite())
}

func (b *Book) complementAsks(contract Contract) PriceIndex {
	return b.queue(SideSell, contract.Opposite())
}

// =============================================================================
// 订单操作 (仅 matchLoop 调用)
// =============================================================================

// Add 挂入订单簿
func (b *Book) Add(order *Order) bool {
	if _, exists := b.orderIndex[order.ID]; exists {
		return false
	}

	node := b.queue(order.Side, order.Contract).Insert(order.Price)
	node.GetLevel().Add(order)
	b.orderIndex[order.ID] = order
	return true
}

// Remove 从簿中摘除订单 (撤单/结算清簿)
// 返回被摘除的订单，不在簿中返回 nil
func (b *Book) Remove(orderID int64) *Order {
	order, exists := b.orderIndex[orderID]
	if !exists {
		return nil
	}

	index := b.queue(order.Side, order.Contract)
	node := index.Find(order.Price)
	if node != nil {
		level := node.GetLevel()
		level.Remove(orderID)
		if level.IsEmpty() {
			index.Delete(order.Price)
		}
	}
	delete(b.orderIndex, order.ID)
	return order
}

// removeAt 撮合路径上的摘除: 已知档位和偏移
func (b *Book) removeAt(index PriceIndex, node PriceNode, offset int) {
	level := node.GetLevel()
	order := level.RemoveAt(offset)
	if order != nil {
		delete(b.orderIndex, order.ID)
	}
	if level.IsEmpty() {
		index.Delete(node.GetPrice())
	}
}

// Get 查订单
func (b *Book) Get(orderID int64) *Order {
	return b.orderIndex[orderID]
}

// OpenOrders 簿内全部订单 (结算清簿 / Checkpoint 用)
func (b *Book) OpenOrders() []*Order {
	orders := make([]*Order, 0, len(b.orderIndex))
	for _, order := range b.orderIndex {
		orders = append(orders, order)
	}
	return orders
}

// Clear 清空订单簿，返回被清掉的订单
func (b *Book) Clear() []*Order {
	orders := b.OpenOrders()
	b.yesBids = NewSkipList(false)
	b.yesAsks = NewSkipList(true)
	b.noBids = NewSkipList(false)
	b.noAsks = NewSkipList(true)
	b.orderIndex = make(map[int64]*Order)
	return orders
}

// Size 簿内订单数
func (b *Book) Size() int {
	return len(b.orderIndex)
}

// =============================================================================
// 快照
// =============================================================================

// DepthLevel 深度档位
type DepthLevel struct {
	Price    int64
	Quantity int64
	Orders   int
}

// Quotes 四个最优价 (0 表示该侧无挂单)
type Quotes struct {
	BestYesBid int64
	BestYesAsk int64
	BestNoBid  int64
	BestNoAsk  int64
}

// BookSnapshot 订单簿只读快照
type BookSnapshot struct {
	MarketID int64
	Quotes   Quotes
	YesBids  []DepthLevel
	YesAsks  []DepthLevel
	NoBids   []DepthLevel
	NoAsks   []DepthLevel
}

// snapshotDepth 快照档位数
const snapshotDepth = 20

// UpdateSnapshot 更新快照，仅 matchLoop 在每个撮合事件后调用
func (b *Book) UpdateSnapshot() {
	snap := &BookSnapshot{
		MarketID: b.MarketID,
		Quotes:   b.quotes(),
		YesBids:  depthOf(b.yesBids, snapshotDepth),
		YesAsks:  depthOf(b.yesAsks, snapshotDepth),
		NoBids:   depthOf(b.noBids, snapshotDepth),
		NoAsks:   depthOf(b.noAsks, snapshotDepth),
	}
	b.snapshot.Store(snap)
}

// Snapshot 无锁读快照，任意 goroutine 可调用
func (b *Book) Snapshot() *BookSnapshot {
	return b.snapshot.Load()
}

// quotes 从索引读四个最优价
func (b *Book) quotes() Quotes {
	var q Quotes
	if n := b.yesBids.First(); n != nil {
		q.BestYesBid = n.GetPrice()
	}
	if n := b.yesAsks.First(); n != nil {
		q.BestYesAsk = n.GetPrice()
	}
	if n := b.noBids.First(); n != nil {
		q.BestNoBid = n.GetPrice()
	}
	if n := b.noAsks.First(); n != nil {
		q.BestNoAsk = n.GetPrice()
	}
	return q
}

func depthOf(index PriceIndex, n int) []DepthLevel {
	nodes := index.TopN(n)
	result := make([]DepthLevel, len(nodes))
	for i, node := range nodes {
		level := node.GetLevel()
		result[i] = DepthLevel{
			Price:    node.GetPrice(),
			Quantity: level.TotalQty,
			Orders:   level.Len(),
		}
	}
	return result
}
