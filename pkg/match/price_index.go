// 文件: pkg/match/price_index.go
// 价格索引接口
//
// 订单簿的每个队列 (YES 买/卖、NO 买/卖) 各持有一个按价格排序的索引。
// 基于接口编程: 当前实现是跳表，需要时可换红黑树或 B 树，测试可用 Mock。

package match

// PriceNode 价格档位节点
type PriceNode interface {
	// GetPrice 档位价格
	GetPrice() int64

	// GetLevel 档位的订单队列
	GetLevel() *PriceLevel
}

// PriceIndex 价格索引
//
// 方向由构造时决定:
// - 买盘: 降序，First() 是最高买价
// - 卖盘: 升序，First() 是最低卖价
type PriceIndex interface {
	// Find 查找指定价格档位，不存在返回 nil
	Find(price int64) PriceNode

	// Insert 取得指定价格档位，不存在则创建
	Insert(price int64) PriceNode

	// Delete 删除档位，返回被删节点，不存在返回 nil
	Delete(price int64) PriceNode

	// First 最优价格档位 (O(1))
	First() PriceNode

	// Len 档位数量
	Len() int

	// IsEmpty 是否为空
	IsEmpty() bool

	// ForEach 按优先级顺序遍历，fn 返回 false 停止
	ForEach(fn func(PriceNode) bool)

	// TopN 前 N 个档位 (深度快照用)
	TopN(n int) []PriceNode
}
