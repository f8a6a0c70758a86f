// 文件: pkg/match/order.go
// 预测市场订单定义 - 二元 YES/NO 合约
//
// 价格模型:
// - 价格单位是美分，限价必须在 [1, 99] 区间
// - 一份 YES 合约在 YES 结果下赔付 $1.00，否则 $0.00
// - YES @ p 与 NO @ (100 - p) 经济上等价，这是跨盘撮合的基础

package match

import (
	"fmt"
	"time"
)

// =============================================================================
// 价格常量
// =============================================================================

const (
	// PriceMin / PriceMax 限价边界 (美分)
	// 0 和 100 等价于结算结果，禁止成交
	PriceMin int64 = 1
	PriceMax int64 = 99

	// SetValue 一套完整合约 (1 YES + 1 NO) 的价值 (美分)
	SetValue int64 = 100
)

// ValidPrice 判断限价是否合法
func ValidPrice(p int64) bool {
	return p >= PriceMin && p <= PriceMax
}

// =============================================================================
// 买卖方向
// =============================================================================

// Side 买卖方向
// 用 int8 而不是 string: 内存小、比较快、避免字符串分配
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = -1 // 用 -1 方便取对手方向
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite 返回对手方向
func (s Side) Opposite() Side {
	return -s
}

// =============================================================================
// 合约类型 (YES / NO)
// =============================================================================

// Contract 二元合约的方向
type Contract int8

const (
	ContractYes Contract = 1
	ContractNo  Contract = 2
)

func (c Contract) String() string {
	if c == ContractYes {
		return "YES"
	}
	return "NO"
}

// Opposite 返回互补合约
// MINT/MERGE 撮合时需要扫描互补合约的队列
func (c Contract) Opposite() Contract {
	if c == ContractYes {
		return ContractNo
	}
	return ContractYes
}

// =============================================================================
// 订单类型
// =============================================================================

// OrderType 订单类型
// 市价单从不挂簿，剩余部分直接取消并退还冻结
type OrderType int8

const (
	OrderTypeLimit  OrderType = iota + 1 // 限价单
	OrderTypeMarket                      // 市价单
)

func (t OrderType) String() string {
	if t == OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

// =============================================================================
// 订单状态
// =============================================================================

// 订单状态机: OPEN → (PARTIALLY_FILLED)* → FILLED | CANCELLED
// FILLED 和 CANCELLED 是终态，不可再变
type OrderStatus int8

const (
	OrderStatusOpen            OrderStatus = iota // 已接受，等待撮合/挂簿
	OrderStatusPartiallyFilled                    // 部分成交，剩余挂簿
	OrderStatusFilled                             // 完全成交 (终态)
	OrderStatusCancelled                          // 已取消 (终态)
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// =============================================================================
// 订单结构体
// =============================================================================

// Order 订单
// Price 和数量都用 int64 美分/整数份额，引擎内部禁止浮点
//
// 字段按 8 字节对齐排列，减少内存填充
type Order struct {
	// ========== 64 位字段 ==========

	ID        int64 // 订单 ID (Snowflake)
	UserID    int64 // 用户 ID
	MarketID  int64 // 市场 ID
	Price     int64 // 限价 (美分)；市价单为 0
	Qty       int64 // 数量 (整数份额)
	FilledQty int64 // 已成交数量
	CreatedAt int64 // 进簿时间 (unix nano)，撮合线程赋权威值

	// ========== 小字段 ==========

	Side     Side
	Contract Contract
	Type     OrderType
	Status   OrderStatus
}

// RemainingQty 剩余未成交数量
func (o *Order) RemainingQty() int64 {
	return o.Qty - o.FilledQty
}

// IsFilled 是否完全成交
func (o *Order) IsFilled() bool {
	return o.FilledQty >= o.Qty
}

// IsActive 是否还在撮合生命周期内
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// ReservePerUnit 下单时每单位冻结的金额 (美分)
// 买单按限价冻结；市价买单按 99 上限冻结，成交后退差价
// 卖单冻结的是份额，不经过这里
func (o *Order) ReservePerUnit() int64 {
	if o.Type == OrderTypeMarket {
		return PriceMax
	}
	return o.Price
}

// limitFor 撮合时的价格边界
// 市价单按最激进的边界参与 DIRECT 撮合 (买 99 / 卖 1)
func (o *Order) limitFor() int64 {
	if o.Type == OrderTypeMarket {
		if o.Side == SideBuy {
			return PriceMax
		}
		return PriceMin
	}
	return o.Price
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%d, U:%d, M:%d, %s %s %d@%d, Filled:%d, %s}",
		o.ID, o.UserID, o.MarketID, o.Side, o.Contract, o.Qty, o.Price, o.FilledQty, o.Status)
}

// touch 更新撮合后的状态
// OPEN → PARTIALLY_FILLED / FILLED，终态由调用方保证不再进来
func (o *Order) touch() {
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else if o.FilledQty > 0 {
		o.Status = OrderStatusPartiallyFilled
	}
}

// =============================================================================
// 成交类型
// =============================================================================

// TradeType 成交类型
type TradeType int8

const (
	TradeDirect TradeType = iota + 1 // 同合约直接撮合
	TradeMint                        // 双买铸造 (BUY YES + BUY NO, 价和 >= 100)
	TradeMerge                       // 双卖销毁 (SELL YES + SELL NO, 价和 <= 100)
)

func (t TradeType) String() string {
	switch t {
	case TradeMint:
		return "MINT"
	case TradeMerge:
		return "MERGE"
	default:
		return "DIRECT"
	}
}

// =============================================================================
// 成交记录
// =============================================================================

// Trade 一次撮合产生的成交
//
// 价格字段约定 (与账本对账时依赖):
// - DIRECT: Price = 挂单方限价，1-99
// - MINT:   Price = 100 (铸造一整套)，YesPrice/NoPrice 是双方各自限价
// - MERGE:  Price = 0 (销毁一整套)，YesPrice/NoPrice 是双方各自限价
type Trade struct {
	ID       int64
	MarketID int64
	Contract Contract  // DIRECT 成交的合约方向；MINT/MERGE 固定记 YES
	Type     TradeType
	Price    int64 // 见上方约定
	Qty      int64

	// DIRECT: taker/maker；MINT: 两个买方；MERGE: 两个卖方
	TakerOrderID int64
	MakerOrderID int64
	TakerUserID  int64
	MakerUserID  int64

	// MINT/MERGE 双边价格 (美分)；DIRECT 时为 0
	YesPrice int64
	NoPrice  int64

	ExecutedAt int64 // unix nano
}

// Timestamp 生成成交时间
func tradeNow() int64 {
	return time.Now().UnixNano()
}
