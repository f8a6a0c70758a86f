// 文件: pkg/ledger/model.go
// 预测市场账本 - 核心数据模型
//
// 设计目标:
// 1. 整数美分: 金额一律 int64 美分，份额一律整数，禁止浮点
// 2. 预留模型: 下单先把资金/份额挪进 Reserved，成交从 Reserved 扣，
//    可用余额永远不会被在途订单重复花费
// 3. 并发安全: 单线程分片 + 原子快照，账本内部无锁

package ledger

import (
	"sync/atomic"
	"time"

	"pmx.com/pkg/match"
)

const (
	// NumShards 分片数量，按 userID % NumShards 路由
	NumShards = 8
)

// =============================================================================
// Funds - 资金余额
// =============================================================================

// Funds 用户资金状态 (美分)
//
// - Available: 可下单、可提现
// - Reserved:  被在途买单冻结
// 总资金 = Available + Reserved
type Funds struct {
	Available int64
	Reserved  int64
}

// Total 总资金
func (f *Funds) Total() int64 {
	return f.Available + f.Reserved
}

// =============================================================================
// Position - 单市场持仓
// =============================================================================

// Position 用户在一个市场上的 YES/NO 持仓
//
// 卖单冻结的是份额: ReservedYes/ReservedNo 是被在途卖单占用的部分。
// 成本按加权平均记账 (美分总额)，卖出/销毁/结算时按均价移出，
// 差额进 RealizedPnL。
type Position struct {
	MarketID int64

	YesQty int64 // 可用 YES 份额
	NoQty  int64 // 可用 NO 份额

	ReservedYes int64 // 被在途卖单冻结的 YES
	ReservedNo  int64 // 被在途卖单冻结的 NO

	YesCost int64 // YES 持仓总成本 (美分，含冻结部分)
	NoCost  int64 // NO 持仓总成本

	RealizedPnL int64 // 已实现盈亏 (美分)

	UpdatedAt int64
}

// TotalYes 含冻结的 YES 总量
func (p *Position) TotalYes() int64 {
	return p.YesQty + p.ReservedYes
}

// TotalNo 含冻结的 NO 总量
func (p *Position) TotalNo() int64 {
	return p.NoQty + p.ReservedNo
}

// IsFlat 是否已无任何持仓和盈亏记录
func (p *Position) IsFlat() bool {
	return p.TotalYes() == 0 && p.TotalNo() == 0 && p.RealizedPnL == 0
}

// qty 按合约方向取可用份额指针
func (p *Position) qty(contract match.Contract) *int64 {
	if contract == match.ContractYes {
		return &p.YesQty
	}
	return &p.NoQty
}

// reserved 按合约方向取冻结份额指针
func (p *Position) reserved(contract match.Contract) *int64 {
	if contract == match.ContractYes {
		return &p.ReservedYes
	}
	return &p.ReservedNo
}

// cost 按合约方向取成本指针
func (p *Position) cost(contract match.Contract) *int64 {
	if contract == match.ContractYes {
		return &p.YesCost
	}
	return &p.NoCost
}

// removeAtAvgCost 按加权均价移出 qty 份，返回移出的成本
// 持仓清零时成本归零，吸收整数除法的余数
func (p *Position) removeAtAvgCost(contract match.Contract, qty int64) int64 {
	total := p.TotalYes()
	costPtr := p.cost(contract)
	if contract == match.ContractNo {
		total = p.TotalNo()
	}

	if total <= 0 || *costPtr <= 0 {
		return 0
	}
	if qty >= total {
		removed := *costPtr
		*costPtr = 0
		return removed
	}

	removed := *costPtr * qty / total
	*costPtr -= removed
	return removed
}

// =============================================================================
// Account - 用户账户
// =============================================================================

// Account 用户在账本中的完整状态
// 每个账户由所在分片单线程管理，无锁
type Account struct {
	UserID int64

	Cash Funds

	// MarketID → 持仓
	Positions map[int64]*Position

	LastActiveAt int64
}

// NewAccount 创建账户
func NewAccount(userID int64) *Account {
	return &Account{
		UserID:       userID,
		Positions:    make(map[int64]*Position),
		LastActiveAt: time.Now().UnixNano(),
	}
}

// GetPosition 取指定市场持仓 (懒初始化)
func (a *Account) GetPosition(marketID int64) *Position {
	if pos, ok := a.Positions[marketID]; ok {
		return pos
	}
	pos := &Position{MarketID: marketID}
	a.Positions[marketID] = pos
	return pos
}

// touch 更新活跃时间
func (a *Account) touch() {
	a.LastActiveAt = time.Now().UnixNano()
}

// =============================================================================
// Snapshot - 原子快照 (外部查询无锁读)
// =============================================================================

// AccountSnapshot 账户只读快照，值拷贝
type AccountSnapshot struct {
	UserID    int64
	Cash      Funds
	Positions map[int64]Position
	CreatedAt int64
}

// CreateSnapshot 生成只读快照 (深拷贝)
func (a *Account) CreateSnapshot() *AccountSnapshot {
	snap := &AccountSnapshot{
		UserID:    a.UserID,
		Cash:      a.Cash,
		Positions: make(map[int64]Position, len(a.Positions)),
		CreatedAt: time.Now().UnixNano(),
	}
	for marketID, pos := range a.Positions {
		snap.Positions[marketID] = *pos
	}
	return snap
}

// SnapshotStore 全部账户快照，Copy-on-Write + 原子指针
type SnapshotStore struct {
	snapshots atomic.Pointer[map[int64]*AccountSnapshot]
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore() *SnapshotStore {
	store := &SnapshotStore{}
	empty := make(map[int64]*AccountSnapshot)
	store.snapshots.Store(&empty)
	return store
}

// Get 读用户快照 (无锁)
func (s *SnapshotStore) Get(userID int64) *AccountSnapshot {
	m := s.snapshots.Load()
	return (*m)[userID]
}

// Update 发布新快照 (仅分片线程调用)
func (s *SnapshotStore) Update(snap *AccountSnapshot) {
	for {
		old := s.snapshots.Load()
		newMap := make(map[int64]*AccountSnapshot, len(*old)+1)
		for k, v := range *old {
			newMap[k] = v
		}
		newMap[snap.UserID] = snap

		if s.snapshots.CompareAndSwap(old, &newMap) {
			return
		}
	}
}
