// 文件: pkg/match/pricelevel.go
// 价格档位 - 环形队列实现
//
// 同一价格内按进簿先后 FIFO。环形队列让队首出队是 O(1)，
// 又避免了 slice = slice[1:] 的内存泄漏问题。
//
// 预测市场多了一个需求: 自成交跳过。撮合时可能要越过队首
// (同一用户的挂单) 去吃后面的单，所以档位要支持按下标访问
// 和中间删除，这比普通撮合引擎的档位稍微复杂一点。

package match

const (
	// defaultLevelCapacity 初始容量，必须是 2 的幂 (位运算取模)
	defaultLevelCapacity = 64
)

// PriceLevel 价格档位: 同价订单的 FIFO 队列
type PriceLevel struct {
	Price    int64    // 价格 (美分)
	TotalQty int64    // 档位剩余总量 (等于各订单 RemainingQty 之和)
	orders   []*Order // 环形缓冲区
	head     int      // 下一个出队位置
	tail     int      // 下一个入队位置
	count    int
	mask     int // 容量掩码
}

// NewPriceLevel 创建价格档位
func NewPriceLevel(price int64) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		orders: make([]*Order, defaultLevelCapacity),
		mask:   defaultLevelCapacity - 1,
	}
}

// =============================================================================
// 队列操作
// =============================================================================

// Add 追加到队尾，O(1)，可能触发翻倍扩容
func (pl *PriceLevel) Add(order *Order) {
	if pl.count == len(pl.orders) {
		pl.grow()
	}
	pl.orders[pl.tail] = order
	pl.tail = (pl.tail + 1) & pl.mask
	pl.count++
	pl.TotalQty += order.RemainingQty()
}

// Front 队首订单 (不移除)
func (pl *PriceLevel) Front() *Order {
	if pl.count == 0 {
		return nil
	}
	return pl.orders[pl.head]
}

// At 按相对队首的偏移取订单
// 自成交跳过需要在档位内向后看
func (pl *PriceLevel) At(offset int) *Order {
	if offset < 0 || offset >= pl.count {
		return nil
	}
	return pl.orders[(pl.head+offset)&pl.mask]
}

// PopFront 弹出队首，O(1)
func (pl *PriceLevel) PopFront() *Order {
	if pl.count == 0 {
		return nil
	}
	order := pl.orders[pl.head]
	pl.orders[pl.head] = nil // 帮助 GC
	pl.head = (pl.head + 1) & pl.mask
	pl.count--
	pl.TotalQty -= order.RemainingQty()
	return order
}

// Remove 按订单 ID 移除 (撤单路径)，O(n) 查找
func (pl *PriceLevel) Remove(orderID int64) *Order {
	for i := 0; i < pl.count; i++ {
		if pl.orders[(pl.head+i)&pl.mask].ID == orderID {
			return pl.RemoveAt(i)
		}
	}
	return nil
}

// RemoveAt 按偏移移除，移动较短的那一半
func (pl *PriceLevel) RemoveAt(offset int) *Order {
	if offset < 0 || offset >= pl.count {
		return nil
	}
	idx := (pl.head + offset) & pl.mask
	removed := pl.orders[idx]
	pl.TotalQty -= removed.RemainingQty()

	if offset < pl.count/2 {
		// 前半部分向后挪，腾出头部
		for i := offset; i > 0; i-- {
			curr := (pl.head + i) & pl.mask
			prev := (pl.head + i - 1) & pl.mask
			pl.orders[curr] = pl.orders[prev]
		}
		pl.orders[pl.head] = nil
		pl.head = (pl.head + 1) & pl.mask
	} else {
		// 后半部分向前挪
		for i := offset; i < pl.count-1; i++ {
			curr := (pl.head + i) & pl.mask
			next := (pl.head + i + 1) & pl.mask
			pl.orders[curr] = pl.orders[next]
		}
		pl.tail = (pl.tail - 1 + len(pl.orders)) & pl.mask
		pl.orders[pl.tail] = nil
	}

	pl.count--
	return removed
}

// ReduceQty 成交后扣减档位总量 (订单留在队里时用)
func (pl *PriceLevel) ReduceQty(qty int64) {
	pl.TotalQty -= qty
}

// Len 订单数量
func (pl *PriceLevel) Len() int {
	return pl.count
}

// IsEmpty 是否为空
// 空档位必须从价格索引里删掉，订单簿不允许出现零量档位
func (pl *PriceLevel) IsEmpty() bool {
	return pl.count == 0
}

// ForEach 按 FIFO 顺序遍历
func (pl *PriceLevel) ForEach(fn func(*Order)) {
	for i := 0; i < pl.count; i++ {
		fn(pl.orders[(pl.head+i)&pl.mask])
	}
}

// grow 翻倍扩容，保持 2 的幂
func (pl *PriceLevel) grow() {
	newCap := len(pl.orders) * 2
	newOrders := make([]*Order, newCap)
	for i := 0; i < pl.count; i++ {
		newOrders[i] = pl.orders[(pl.head+i)&pl.mask]
	}
	pl.orders = newOrders
	pl.head = 0
	pl.tail = pl.count
	pl.mask = newCap - 1
}
