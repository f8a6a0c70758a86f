// 文件: pkg/trading/processor_test.go
// 端到端交易场景测试
//
// 真实的账本引擎 + 撮合引擎，不连数据库/消息队列。
// 撮合是异步的，资金断言用轮询等待。

package trading

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/match"
)

const testMarket int64 = 7

type testEnv struct {
	processor *Processor
	ledger    *ledger.Engine
	publisher *journal.MemoryPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ldg, err := ledger.NewEngine(ledger.DefaultEngineConfig())
	require.NoError(t, err)
	ldg.Start()
	t.Cleanup(ldg.Stop)

	publisher := journal.NewMemoryPublisher()
	processor := NewProcessor(Deps{
		Ledger:    ldg,
		Publisher: publisher,
	})
	require.NoError(t, processor.OpenMarket(context.Background(), testMarket))
	t.Cleanup(func() { processor.CloseMarket(testMarket) })

	return &testEnv{processor: processor, ledger: ldg, publisher: publisher}
}

// waitFor 轮询等待异步撮合生效
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting: %s", msg)
}

func (env *testEnv) deposit(t *testing.T, userID, cents int64) {
	t.Helper()
	require.NoError(t, env.processor.Deposit(key(userID, "test-dep"), userID, cents))
}

func (env *testEnv) seedShares(t *testing.T, userID int64, contract match.Contract, qty, cost int64) {
	t.Helper()
	require.NoError(t, env.ledger.CreditShares(
		key(userID, "test-seed:"+contract.String()), userID, testMarket, contract, qty, cost))
}

func (env *testEnv) place(t *testing.T, req PlaceOrderRequest) *match.Order {
	t.Helper()
	o, err := env.processor.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func limitReq(userID int64, side match.Side, contract match.Contract, price, qty int64) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: userID, MarketID: testMarket,
		Side: side, Contract: contract, Type: match.OrderTypeLimit,
		Price: price, Qty: qty,
	}
}

// =============================================================================
// 校验
// =============================================================================

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, 1, 10_000)

	cases := []struct {
		name string
		req  PlaceOrderRequest
		want error
	}{
		{"price zero", limitReq(1, match.SideBuy, match.ContractYes, 0, 10), ErrInvalidPrice},
		{"price 100", limitReq(1, match.SideBuy, match.ContractYes, 100, 10), ErrInvalidPrice},
		{"qty zero", limitReq(1, match.SideBuy, match.ContractYes, 50, 0), ErrInvalidQuantity},
		{"unknown market", PlaceOrderRequest{UserID: 1, MarketID: 999, Side: match.SideBuy,
			Contract: match.ContractYes, Type: match.OrderTypeLimit, Price: 50, Qty: 1}, ErrMarketNotActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.processor.PlaceOrder(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// 校验失败不触账本
	assert.Equal(t, int64(10_000), env.processor.GetBalance(1))
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, 1, 500)

	// 需要 10 x 60 = 600
	_, err := env.processor.PlaceOrder(context.Background(),
		limitReq(1, match.SideBuy, match.ContractYes, 60, 10))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(500), env.processor.GetBalance(1))
}

func TestPlaceOrder_InsufficientPosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedShares(t, 2, match.ContractYes, 5, 250)

	_, err := env.processor.PlaceOrder(context.Background(),
		limitReq(2, match.SideSell, match.ContractYes, 50, 6))
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

// =============================================================================
// S1: 直接成交，成交价 = 挂单方价格
// =============================================================================

func TestScenario_DirectFill(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.seedShares(t, 2, match.ContractYes, 10, 550)

	// A 挂 BUY YES 10 @ 60，冻结 600
	env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 60, 10))
	waitFor(t, func() bool {
		snap := env.ledger.GetSnapshot(1)
		return snap != nil && snap.Cash.Reserved == 600
	}, "buy reservation")

	// B 以 55 卖 10 份，按挂单价 60 成交
	env.place(t, limitReq(2, match.SideSell, match.ContractYes, 55, 10))

	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.YesQty == 10
	}, "direct trade settles")

	// A: 9400 可用，10 YES 成本 600
	assert.Equal(t, int64(9_400), env.processor.GetBalance(1))
	posA, _ := env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(600), posA.YesCost)

	// B: +600，0 YES，PnL = 600 - 550 = +50
	assert.Equal(t, int64(600), env.processor.GetBalance(2))
	posB, _ := env.processor.GetPosition(2, testMarket)
	assert.Equal(t, int64(0), posB.YesQty)
	assert.Equal(t, int64(50), posB.RealizedPnL)

	// 成交事件外发
	waitFor(t, func() bool { return len(env.publisher.Trades()) == 1 }, "trade event")
	trade := env.publisher.Trades()[0]
	assert.Equal(t, "DIRECT", trade.Type)
	assert.Equal(t, int64(60), trade.Price)
}

// =============================================================================
// S2: 部分成交后挂簿
// =============================================================================

func TestScenario_PartialFillThenRest(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.seedShares(t, 2, match.ContractYes, 4, 200)

	env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 50, 10))
	waitFor(t, func() bool {
		snap := env.ledger.GetSnapshot(1)
		return snap != nil && snap.Cash.Reserved == 500
	}, "reservation")

	env.place(t, limitReq(2, match.SideSell, match.ContractYes, 50, 4))
	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.YesQty == 4
	}, "partial fill")

	// A: 消耗 200，剩余 6 份继续冻结 300
	snap := env.ledger.GetSnapshot(1)
	assert.Equal(t, int64(9_500), snap.Cash.Available)
	assert.Equal(t, int64(300), snap.Cash.Reserved)

	// 剩余 6 份仍挂簿
	book, err := env.processor.OrderBook(testMarket)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, int64(50), book.Quotes.BestYesBid)
	require.Len(t, book.YesBids, 1)
	assert.Equal(t, int64(6), book.YesBids[0].Quantity)
}

// =============================================================================
// S3: 铸造撮合
// =============================================================================

func TestScenario_MintMatch(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.deposit(t, 2, 10_000)

	// A 挂 BUY YES 5 @ 70 (挂单方)
	env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 70, 5))
	waitFor(t, func() bool {
		snap := env.ledger.GetSnapshot(1)
		return snap != nil && snap.Cash.Reserved == 350
	}, "yes reservation")

	// B 进攻 BUY NO 5 @ 35，和 = 105 >= 100 → 铸造
	// 挂单方 A 实付自己的限价 70，进攻方 B 实付 100-70 = 30，退 5x5=25
	env.place(t, limitReq(2, match.SideBuy, match.ContractNo, 35, 5))

	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(2, testMarket)
		return ok && pos.NoQty == 5
	}, "mint settles")

	posA, _ := env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(5), posA.YesQty)
	assert.Equal(t, int64(350), posA.YesCost)
	assert.Equal(t, int64(9_650), env.processor.GetBalance(1))

	posB, _ := env.processor.GetPosition(2, testMarket)
	assert.Equal(t, int64(150), posB.NoCost)
	assert.Equal(t, int64(9_850), env.processor.GetBalance(2))

	// 双方合计付了 5 x 100，铸出 5 套
	assert.Equal(t, int64(500), 20_000-env.processor.GetBalance(1)-env.processor.GetBalance(2))

	waitFor(t, func() bool { return len(env.publisher.Trades()) == 1 }, "trade event")
	trade := env.publisher.Trades()[0]
	assert.Equal(t, "MINT", trade.Type)
	assert.Equal(t, int64(100), trade.Price)
}

// =============================================================================
// S4: 销毁撮合
// =============================================================================

func TestScenario_MergeMatch(t *testing.T) {
	env := newTestEnv(t)

	env.seedShares(t, 1, match.ContractYes, 10, 500)
	env.seedShares(t, 2, match.ContractNo, 10, 400)

	// A 挂 SELL YES 10 @ 60
	env.place(t, limitReq(1, match.SideSell, match.ContractYes, 60, 10))
	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.ReservedYes == 10
	}, "yes shares reserved")

	// B 进攻 SELL NO 10 @ 30，和 = 90 <= 100 → 销毁，各收自己的限价
	env.place(t, limitReq(2, match.SideSell, match.ContractNo, 30, 10))

	waitFor(t, func() bool {
		return env.processor.GetBalance(1) == 600 && env.processor.GetBalance(2) == 300
	}, "merge settles")

	posA, _ := env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(0), posA.TotalYes())
	assert.Equal(t, int64(100), posA.RealizedPnL) // 600 - 500

	posB, _ := env.processor.GetPosition(2, testMarket)
	assert.Equal(t, int64(0), posB.TotalNo())
	assert.Equal(t, int64(-100), posB.RealizedPnL) // 300 - 400
}

// =============================================================================
// S5: 自成交防护
// =============================================================================

func TestScenario_SelfTradeSkip(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.seedShares(t, 1, match.ContractYes, 5, 200)

	env.place(t, limitReq(1, match.SideSell, match.ContractYes, 40, 5))
	env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 40, 5))

	// 两单都挂簿，不互相成交
	waitFor(t, func() bool {
		book, _ := env.processor.OrderBook(testMarket)
		return book != nil && book.Quotes.BestYesBid == 40 && book.Quotes.BestYesAsk == 40
	}, "both orders rest")

	pos, _ := env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(5), pos.YesQty)
	assert.Equal(t, int64(5), pos.ReservedYes)
	assert.Empty(t, env.publisher.Trades())
}

// =============================================================================
// 市价单: 只走直接撮合，余量取消全额退回
// =============================================================================

func TestScenario_MarketOrderRemainderRefund(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.seedShares(t, 2, match.ContractYes, 6, 300)

	env.place(t, limitReq(2, match.SideSell, match.ContractYes, 50, 6))
	waitFor(t, func() bool {
		book, _ := env.processor.OrderBook(testMarket)
		return book != nil && book.Quotes.BestYesAsk == 50
	}, "ask rests")

	// 市价买 10: 冻结上限 99x10，成交 6 @ 50，余 4 取消退回
	env.place(t, PlaceOrderRequest{
		UserID: 1, MarketID: testMarket,
		Side: match.SideBuy, Contract: match.ContractYes,
		Type: match.OrderTypeMarket, Qty: 10,
	})

	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.YesQty == 6
	}, "market order fills")

	// 实付 300，其余全退
	waitFor(t, func() bool {
		snap := env.ledger.GetSnapshot(1)
		return snap != nil && snap.Cash.Reserved == 0
	}, "remainder released")
	assert.Equal(t, int64(9_700), env.processor.GetBalance(1))
}

// 返回值是受理时刻的拷贝: 撮合循环随后改写的是引擎里的那份
func TestPlaceOrder_ReturnsAcceptanceSnapshot(t *testing.T) {
	env := newTestEnv(t)

	env.deposit(t, 1, 10_000)
	env.seedShares(t, 2, match.ContractYes, 10, 500)

	env.place(t, limitReq(2, match.SideSell, match.ContractYes, 50, 10))
	waitFor(t, func() bool {
		book, _ := env.processor.OrderBook(testMarket)
		return book != nil && book.Quotes.BestYesAsk == 50
	}, "ask rests")

	o := env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 50, 10))
	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.YesQty == 10
	}, "order fills")

	assert.Equal(t, int64(0), o.FilledQty)
	assert.Equal(t, match.OrderStatusOpen, o.Status)
}

// =============================================================================
// 撤单
// =============================================================================

func TestCancelOrder_ReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1, 10_000)
	o := env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 45, 10))

	waitFor(t, func() bool {
		book, _ := env.processor.OrderBook(testMarket)
		return book != nil && book.Quotes.BestYesBid == 45
	}, "order rests")

	result, err := env.processor.CancelOrder(ctx, 1, testMarket, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(450), result.RefundedCents)
	assert.Equal(t, match.OrderStatusCancelled, result.Order.Status)

	waitFor(t, func() bool {
		snap := env.ledger.GetSnapshot(1)
		return snap != nil && snap.Cash.Reserved == 0
	}, "reservation released")
	assert.Equal(t, int64(10_000), env.processor.GetBalance(1))

	// 再撤一次: 已终态
	_, err = env.processor.CancelOrder(ctx, 1, testMarket, o.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestCancelOrder_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1, 10_000)
	o := env.place(t, limitReq(1, match.SideBuy, match.ContractYes, 45, 10))

	waitFor(t, func() bool {
		book, _ := env.processor.OrderBook(testMarket)
		return book != nil && book.Quotes.BestYesBid == 45
	}, "order rests")

	_, err := env.processor.CancelOrder(ctx, 2, testMarket, o.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// =============================================================================
// 铸造 / 赎回整套
// =============================================================================

func TestMintRedeemSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, 1, 1_000)

	// 铸造 3 套: -300，各得 3 份
	require.NoError(t, env.processor.MintSet(ctx, 1, testMarket, 3))
	assert.Equal(t, int64(700), env.processor.GetBalance(1))
	pos, _ := env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(3), pos.YesQty)
	assert.Equal(t, int64(3), pos.NoQty)
	assert.Equal(t, int64(150), pos.YesCost)
	assert.Equal(t, int64(150), pos.NoCost)

	// 赎回 2 套: +200
	require.NoError(t, env.processor.RedeemSet(ctx, 1, testMarket, 2))
	assert.Equal(t, int64(900), env.processor.GetBalance(1))
	pos, _ = env.processor.GetPosition(1, testMarket)
	assert.Equal(t, int64(1), pos.YesQty)
	assert.Equal(t, int64(1), pos.NoQty)

	// 余额不足的铸造被拒
	err := env.processor.MintSet(ctx, 1, testMarket, 10)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestRedeemSet_RequiresBothSides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 只有 YES，没有 NO
	env.seedShares(t, 1, match.ContractYes, 5, 250)

	err := env.processor.RedeemSet(ctx, 1, testMarket, 3)
	assert.ErrorIs(t, err, ErrInsufficientPosition)

	// YES 的预留被退回，仍可整体卖出
	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, testMarket)
		return ok && pos.ReservedYes == 0
	}, "yes reservation rolled back")
}

// =============================================================================
// 出入金
// =============================================================================

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.processor.Deposit("dep-1", 1, 5_000))
	require.NoError(t, env.processor.Withdraw("wd-1", 1, 2_000))
	assert.Equal(t, int64(3_000), env.processor.GetBalance(1))

	err := env.processor.Withdraw("wd-2", 1, 4_000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// 流水事件
	txs := env.publisher.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, journal.TxDeposit, txs[0].Type)
	assert.Equal(t, int64(-2_000), txs[1].Amount)
}

// =============================================================================
// 随机混合负载下的不变量
// =============================================================================

// TestInvariants_RandomMixedLoad 每个用户一个 goroutine 随机下单/撤单/市价/
// 铸造/赎回，清簿后校验:
// - 总 YES = 总 NO (每套流通的两边恒等)
// - 资金守恒: 入金 = 现金 + 流通套数 x 100 + 销毁时系统留存的差额
// - 现金与持仓任何字段不为负
func TestInvariants_RandomMixedLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const (
		users      = 6
		opsPerUser = 150
		seedCents  = int64(50_000)
	)

	for uid := int64(1); uid <= users; uid++ {
		env.deposit(t, uid, seedCents)
	}

	var wg sync.WaitGroup
	for uid := int64(1); uid <= users; uid++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(uid * 7919))
			var open []int64

			for i := 0; i < opsPerUser; i++ {
				switch rng.Intn(10) {
				case 0, 1, 2, 3, 4, 5:
					req := limitReq(uid, match.SideBuy, match.ContractYes,
						30+rng.Int63n(40), rng.Int63n(5)+1)
					if rng.Intn(2) == 0 {
						req.Contract = match.ContractNo
					}
					if rng.Intn(2) == 0 {
						req.Side = match.SideSell
					}
					// 没持仓的卖单之类的拒单是正常流量
					if o, err := env.processor.PlaceOrder(ctx, req); err == nil {
						open = append(open, o.ID)
					}
				case 6:
					req := PlaceOrderRequest{
						UserID: uid, MarketID: testMarket,
						Side: match.SideBuy, Contract: match.ContractYes,
						Type: match.OrderTypeMarket, Qty: rng.Int63n(3) + 1,
					}
					if rng.Intn(2) == 0 {
						req.Contract = match.ContractNo
					}
					_, _ = env.processor.PlaceOrder(ctx, req)
				case 7:
					if len(open) > 0 {
						_, _ = env.processor.CancelOrder(ctx, uid, testMarket, open[rng.Intn(len(open))])
					}
				case 8:
					_ = env.processor.MintSet(ctx, uid, testMarket, rng.Int63n(3)+1)
				default:
					_ = env.processor.RedeemSet(ctx, uid, testMarket, 1)
				}
			}
		}(uid)
	}
	wg.Wait()

	// 清簿是同步命令: 返回时排在它前面的下单全部撮合并结算完毕
	engine, ok := env.processor.Engine(testMarket)
	require.True(t, ok)
	_, err := engine.Drain()
	require.NoError(t, err)

	var totalCash, totalYes, totalNo int64
	for uid := int64(1); uid <= users; uid++ {
		snap := env.ledger.GetSnapshot(uid)
		require.NotNil(t, snap)
		assert.GreaterOrEqual(t, snap.Cash.Available, int64(0))
		assert.GreaterOrEqual(t, snap.Cash.Reserved, int64(0))
		totalCash += snap.Cash.Total()

		if pos, ok := env.processor.GetPosition(uid, testMarket); ok {
			assert.GreaterOrEqual(t, pos.YesQty, int64(0))
			assert.GreaterOrEqual(t, pos.NoQty, int64(0))
			totalYes += pos.TotalYes()
			totalNo += pos.TotalNo()
		}
	}

	assert.Equal(t, totalYes, totalNo, "outstanding YES and NO must match")

	// 销毁成交留存 = 100 - 双方限价和；成交事件异步外发，轮询等齐
	deposited := int64(users) * seedCents
	waitFor(t, func() bool {
		var retained int64
		for _, tr := range env.publisher.Trades() {
			if tr.Type == "MERGE" {
				retained += (match.SetValue - tr.YesPrice - tr.NoPrice) * tr.Qty
			}
		}
		return totalCash+totalYes*match.SetValue+retained == deposited
	}, "money conservation after drain")
}
