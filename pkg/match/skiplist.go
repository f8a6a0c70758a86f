// 文件: pkg/match/skiplist.go
// 跳表价格索引 - PriceIndex 的默认实现
//
// 预测市场的价格空间只有 1-99，跳表看似大材小用，但它让
// 订单簿代码对价格域零假设: 插入/删除 O(log N)，最优价 O(1)，
// 且与现货撮合的实现保持一致。
//
// 结构示意：
//
// Level 2:  Head ──────────────► 45 ─────────────► 60 ──► nil
// Level 1:  Head ──► 30 ───────► 45 ─────────────► 60 ──► nil
// Level 0:  Head ──► 30 ──► 42 ─► 45 ──► 55 ─────► 60 ──► nil

package match

import (
	"math/rand"
)

const (
	// maxLevel 跳表最大层数
	maxLevel = 32

	// skipListP 节点晋升概率，期望层数 ≈ 1.33
	skipListP = 0.25
)

// =============================================================================
// 节点 - 实现 PriceNode 接口
// =============================================================================

// skipNode 跳表节点
type skipNode struct {
	price int64
	level *PriceLevel
	next  []*skipNode
}

func (n *skipNode) GetPrice() int64 {
	return n.price
}

func (n *skipNode) GetLevel() *PriceLevel {
	return n.level
}

func newSkipNode(price int64, height int) *skipNode {
	return &skipNode{
		price: price,
		level: NewPriceLevel(price),
		next:  make([]*skipNode, height),
	}
}

// =============================================================================
// 跳表结构
// =============================================================================

// SkipList 跳表实现的价格索引
type SkipList struct {
	head   *skipNode
	height int
	length int
	less   func(a, b int64) bool
}

// 编译时检查
var _ PriceIndex = (*SkipList)(nil)

// NewSkipList 创建跳表
// ascending: true 升序 (卖盘，最低价优先)，false 降序 (买盘，最高价优先)
func NewSkipList(ascending bool) *SkipList {
	var less func(a, b int64) bool
	if ascending {
		less = func(a, b int64) bool { return a < b }
	} else {
		less = func(a, b int64) bool { return a > b }
	}

	return &SkipList{
		head:   newSkipNode(0, maxLevel),
		height: 1,
		less:   less,
	}
}

// =============================================================================
// 内部方法
// =============================================================================

func randomHeight() int {
	h := 1
	for rand.Float64() < skipListP && h < maxLevel {
		h++
	}
	return h
}

// findWithPath 查找节点并记录每层前驱
func (sl *SkipList) findWithPath(price int64) (*skipNode, [maxLevel]*skipNode) {
	var path [maxLevel]*skipNode
	curr := sl.head

	for i := sl.height - 1; i >= 0; i-- {
		for curr.next[i] != nil && sl.less(curr.next[i].price, price) {
			curr = curr.next[i]
		}
		path[i] = curr
	}

	target := curr.next[0]
	if target != nil && target.price == price {
		return target, path
	}
	return nil, path
}

// =============================================================================
// PriceIndex 接口实现
// =============================================================================

// Find 查找指定价格档位
func (sl *SkipList) Find(price int64) PriceNode {
	node, _ := sl.findWithPath(price)
	if node == nil {
		return nil
	}
	return node
}

// Insert 取得/创建价格档位
func (sl *SkipList) Insert(price int64) PriceNode {
	existing, path := sl.findWithPath(price)
	if existing != nil {
		return existing
	}

	h := randomHeight()
	if h > sl.height {
		for i := sl.height; i < h; i++ {
			path[i] = sl.head
		}
		sl.height = h
	}

	node := newSkipNode(price, h)
	for i := 0; i < h; i++ {
		node.next[i] = path[i].next[i]
		path[i].next[i] = node
	}

	sl.length++
	return node
}

// Delete 删除价格档位
func (sl *SkipList) Delete(price int64) PriceNode {
	target, path := sl.findWithPath(price)
	if target == nil {
		return nil
	}

	for i := 0; i < sl.height; i++ {
		if path[i].next[i] != target {
			break
		}
		path[i].next[i] = target.next[i]
	}

	for sl.height > 1 && sl.head.next[sl.height-1] == nil {
		sl.height--
	}

	sl.length--
	return target
}

// First 最优价格档位
func (sl *SkipList) First() PriceNode {
	if sl.head.next[0] == nil {
		return nil
	}
	return sl.head.next[0]
}

// Len 档位数量
func (sl *SkipList) Len() int {
	return sl.length
}

// IsEmpty 是否为空
func (sl *SkipList) IsEmpty() bool {
	return sl.length == 0
}

// ForEach 按优先级遍历
func (sl *SkipList) ForEach(fn func(PriceNode) bool) {
	curr := sl.head.next[0]
	for curr != nil {
		if !fn(curr) {
			break
		}
		curr = curr.next[0]
	}
}

// TopN 前 N 个档位
func (sl *SkipList) TopN(n int) []PriceNode {
	result := make([]PriceNode, 0, n)
	curr := sl.head.next[0]
	for curr != nil && len(result) < n {
		result = append(result, curr)
		curr = curr.next[0]
	}
	return result
}
