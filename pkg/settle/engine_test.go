// 文件: pkg/settle/engine_test.go
// 结算端到端测试: 真实账本 + 撮合 + 市场状态机，内存市场仓储

package settle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/market"
	"pmx.com/pkg/match"
	"pmx.com/pkg/trading"
)

// =============================================================================
// 内存市场仓储
// =============================================================================

type memMarketRepo struct {
	mu      sync.Mutex
	markets map[int64]*market.Market
}

func newMemMarketRepo() *memMarketRepo {
	return &memMarketRepo{markets: make(map[int64]*market.Market)}
}

func (r *memMarketRepo) Create(_ context.Context, m *market.Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.markets[m.ID] = &cp
	return nil
}

func (r *memMarketRepo) GetByID(_ context.Context, id int64) (*market.Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memMarketRepo) ListByStatus(_ context.Context, status market.MarketStatus) ([]*market.Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*market.Market
	for _, m := range r.markets {
		if m.Status == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMarketRepo) List(_ context.Context, _ int) ([]*market.Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*market.Market
	for _, m := range r.markets {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memMarketRepo) UpdateStatus(_ context.Context, id int64, from, to market.MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok || m.Status != from {
		return market.ErrStatusConflict
	}
	m.Status = to
	return nil
}

func (r *memMarketRepo) SetResolution(_ context.Context, id int64, resolution market.Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[id]; ok {
		m.Resolution = resolution
	}
	return nil
}

func (r *memMarketRepo) UpdateQuotes(_ context.Context, id int64, yesPrice, noPrice, volumeDelta, sharesDelta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[id]; ok {
		if yesPrice > 0 {
			m.LastYesPrice = yesPrice
		}
		if noPrice > 0 {
			m.LastNoPrice = noPrice
		}
		m.Volume += volumeDelta
		m.SharesOutstanding += sharesDelta
	}
	return nil
}

var _ market.MarketRepository = (*memMarketRepo)(nil)

// =============================================================================
// 测试环境
// =============================================================================

type settleEnv struct {
	ledger    *ledger.Engine
	markets   *market.Manager
	processor *trading.Processor
	engine    *Engine
	publisher *journal.MemoryPublisher
	marketID  int64
}

func newSettleEnv(t *testing.T) *settleEnv {
	t.Helper()

	ldg, err := ledger.NewEngine(ledger.DefaultEngineConfig())
	require.NoError(t, err)
	ldg.Start()
	t.Cleanup(ldg.Stop)

	manager, err := market.NewManager(newMemMarketRepo(), nil, 1)
	require.NoError(t, err)

	publisher := journal.NewMemoryPublisher()
	processor := trading.NewProcessor(trading.Deps{
		Ledger:    ldg,
		Markets:   manager,
		Publisher: publisher,
	})

	m, err := manager.CreateMarket(context.Background(), "Will it rain tomorrow?", 0)
	require.NoError(t, err)
	require.NoError(t, processor.OpenMarket(context.Background(), m.ID))
	t.Cleanup(func() { processor.CloseMarket(m.ID) })

	return &settleEnv{
		ledger:    ldg,
		markets:   manager,
		processor: processor,
		engine:    NewEngine(nil, ldg, manager, processor, publisher),
		publisher: publisher,
		marketID:  m.ID,
	}
}

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

func (env *settleEnv) seedShares(t *testing.T, userID int64, contract match.Contract, qty, cost int64) {
	t.Helper()
	cmdID := fmt.Sprintf("seed:%s:%d", contract, userID)
	require.NoError(t, env.ledger.CreditShares(cmdID, userID, env.marketID, contract, qty, cost))
}

// =============================================================================
// 结算
// =============================================================================

func TestSettleMarket_PaysWinnersWipesLosers(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	// A 买成 10 YES 成本 600
	require.NoError(t, env.processor.Deposit("dep:1", 1, 10_000))
	require.NoError(t, env.ledger.CreditShares("seed:yes:2", 2, env.marketID, match.ContractYes, 10, 400))
	require.NoError(t, env.ledger.CreditShares("seed:no:3", 3, env.marketID, match.ContractNo, 5, 200))

	_, err := env.processor.PlaceOrder(ctx, trading.PlaceOrderRequest{
		UserID: 1, MarketID: env.marketID,
		Side: match.SideBuy, Contract: match.ContractYes,
		Type: match.OrderTypeLimit, Price: 60, Qty: 10,
	})
	require.NoError(t, err)
	_, err = env.processor.PlaceOrder(ctx, trading.PlaceOrderRequest{
		UserID: 2, MarketID: env.marketID,
		Side: match.SideSell, Contract: match.ContractYes,
		Type: match.OrderTypeLimit, Price: 60, Qty: 10,
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		pos, ok := env.processor.GetPosition(1, env.marketID)
		return ok && pos.YesQty == 10
	}, "trade settles")

	// A 再挂一张不会成交的买单，结算时簿里有在途冻结
	_, err = env.processor.PlaceOrder(ctx, trading.PlaceOrderRequest{
		UserID: 1, MarketID: env.marketID,
		Side: match.SideBuy, Contract: match.ContractYes,
		Type: match.OrderTypeLimit, Price: 30, Qty: 5,
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.SettleMarket(ctx, env.marketID, market.ResolutionYes))

	// A: 9400 - 150 (在途冻结已退) + 10x100 赔付
	snapA := env.ledger.GetSnapshot(1)
	assert.Equal(t, int64(10_400), snapA.Cash.Available)
	assert.Equal(t, int64(0), snapA.Cash.Reserved)
	posA, _ := env.ledger.GetPosition(1, env.marketID)
	assert.Equal(t, int64(0), posA.TotalYes())
	assert.Equal(t, int64(400), posA.RealizedPnL) // 1000 - 600

	// B: 卖光了，结算前后不变
	assert.Equal(t, int64(600), env.ledger.GetAvailable(2))

	// C: 输方 NO 归零，成本全亏
	posC, _ := env.ledger.GetPosition(3, env.marketID)
	assert.Equal(t, int64(0), posC.TotalNo())
	assert.Equal(t, int64(-200), posC.RealizedPnL)
	assert.Equal(t, int64(0), env.ledger.GetAvailable(3))

	// 市场终态 + 引擎关停
	m, err := env.markets.Get(ctx, env.marketID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusSettled, m.Status)
	assert.Equal(t, market.ResolutionYes, m.Resolution)
	_, running := env.processor.Engine(env.marketID)
	assert.False(t, running)
}

func TestSettleMarket_Idempotent(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	env.seedShares(t, 1, match.ContractYes, 4, 200)

	require.NoError(t, env.engine.SettleMarket(ctx, env.marketID, market.ResolutionYes))
	assert.Equal(t, int64(400), env.ledger.GetAvailable(1))

	// 重跑: 已 SETTLED，直接成功且不重复赔付
	require.NoError(t, env.engine.SettleMarket(ctx, env.marketID, market.ResolutionYes))
	assert.Equal(t, int64(400), env.ledger.GetAvailable(1))

	pos, _ := env.ledger.GetPosition(1, env.marketID)
	assert.Equal(t, int64(200), pos.RealizedPnL)
}

func TestSettleMarket_ResumesFromSettling(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	env.seedShares(t, 1, match.ContractNo, 3, 90)

	// 模拟崩溃现场: 状态已是 SETTLING 但赔付没跑
	require.NoError(t, env.markets.BeginSettlement(ctx, env.marketID, market.ResolutionNo))

	require.NoError(t, env.engine.SettleMarket(ctx, env.marketID, market.ResolutionNo))

	assert.Equal(t, int64(300), env.ledger.GetAvailable(1))
	m, err := env.markets.Get(ctx, env.marketID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusSettled, m.Status)
}

func TestSettleMarket_RejectsCancelled(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	require.NoError(t, env.markets.CancelMarket(ctx, env.marketID))

	err := env.engine.SettleMarket(ctx, env.marketID, market.ResolutionYes)
	assert.ErrorIs(t, err, ErrMarketNotSettleable)
}

// =============================================================================
// 作废退款
// =============================================================================

func TestVoidMarket_RefundsCostBasis(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	// A 铸造 3 套 (-300)，B 直接买入 4 YES 成本 240
	require.NoError(t, env.processor.Deposit("dep:1", 1, 1_000))
	require.NoError(t, env.processor.MintSet(ctx, 1, env.marketID, 3))
	require.NoError(t, env.ledger.CreditShares("seed:yes:2", 2, env.marketID, match.ContractYes, 4, 240))

	require.NoError(t, env.engine.VoidMarket(ctx, env.marketID))

	// A: 700 + 成本退回 300
	assert.Equal(t, int64(1_000), env.ledger.GetAvailable(1))
	posA, _ := env.ledger.GetPosition(1, env.marketID)
	assert.Equal(t, int64(0), posA.TotalYes())
	assert.Equal(t, int64(0), posA.TotalNo())
	assert.Equal(t, int64(0), posA.RealizedPnL)

	// B: 退 240
	assert.Equal(t, int64(240), env.ledger.GetAvailable(2))

	m, err := env.markets.Get(ctx, env.marketID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, m.Status)

	// 作废后拒绝结算
	err = env.engine.SettleMarket(ctx, env.marketID, market.ResolutionYes)
	assert.ErrorIs(t, err, ErrMarketNotSettleable)
}

// =============================================================================
// 扫描续算
// =============================================================================

func TestScanLoop_ResumesInterruptedSettlement(t *testing.T) {
	env := newSettleEnv(t)
	ctx := context.Background()

	env.seedShares(t, 1, match.ContractYes, 2, 100)
	require.NoError(t, env.markets.BeginSettlement(ctx, env.marketID, market.ResolutionYes))

	engine := NewEngine(&Config{
		ScanInterval:  10 * time.Millisecond,
		SettleTimeout: time.Minute,
		BatchSize:     100,
		WorkerCount:   2,
	}, env.ledger, env.markets, env.processor, env.publisher)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	waitFor(t, func() bool {
		m, err := env.markets.Get(ctx, env.marketID)
		return err == nil && m.Status == market.StatusSettled
	}, "scanner resumes settlement")

	assert.Equal(t, int64(200), env.ledger.GetAvailable(1))
}
