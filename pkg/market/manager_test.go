// 文件: pkg/market/manager_test.go
// 市场管理器测试，用内存仓储替代 MySQL，不连 Redis

package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pmx.com/pkg/match"
)

// memMarketRepo 内存市场仓储
type memMarketRepo struct {
	markets map[int64]*Market
}

var _ MarketRepository = (*memMarketRepo)(nil)

func newMemMarketRepo() *memMarketRepo {
	return &memMarketRepo{markets: make(map[int64]*Market)}
}

func (r *memMarketRepo) Create(_ context.Context, m *Market) error {
	r.markets[m.ID] = m
	return nil
}

func (r *memMarketRepo) GetByID(_ context.Context, id int64) (*Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d not found", id)
	}
	return m, nil
}

func (r *memMarketRepo) ListByStatus(_ context.Context, status MarketStatus) ([]*Market, error) {
	var out []*Market
	for _, m := range r.markets {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMarketRepo) List(_ context.Context, _ int) ([]*Market, error) {
	var out []*Market
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out, nil
}

func (r *memMarketRepo) UpdateStatus(_ context.Context, id int64, from, to MarketStatus) error {
	m, ok := r.markets[id]
	if !ok || m.Status != from {
		return ErrStatusConflict
	}
	m.Status = to
	return nil
}

func (r *memMarketRepo) SetResolution(_ context.Context, id int64, resolution Resolution) error {
	r.markets[id].Resolution = resolution
	return nil
}

func (r *memMarketRepo) UpdateQuotes(_ context.Context, id int64, yesPrice, noPrice, volumeDelta, sharesDelta int64) error {
	m := r.markets[id]
	if yesPrice > 0 {
		m.LastYesPrice = yesPrice
	}
	if noPrice > 0 {
		m.LastNoPrice = noPrice
	}
	m.Volume += volumeDelta
	m.SharesOutstanding += sharesDelta
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memMarketRepo) {
	t.Helper()
	repo := newMemMarketRepo()
	mgr, err := NewManager(repo, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, repo
}

// =============================================================================
// 生命周期
// =============================================================================

func TestManager_Lifecycle(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	m, err := mgr.CreateMarket(ctx, "Will it rain tomorrow?", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusActive || m.LastYesPrice != 50 {
		t.Errorf("unexpected new market: %+v", m)
	}
	if !m.IsTradeable(time.Now().UnixNano()) {
		t.Error("new market must be tradeable")
	}

	if err := mgr.BeginSettlement(ctx, m.ID, ResolutionYes); err != nil {
		t.Fatal(err)
	}
	got, _ := mgr.Get(ctx, m.ID)
	if got.Status != StatusSettling || got.Resolution != ResolutionYes {
		t.Errorf("unexpected market after begin settlement: %+v", got)
	}
	if got.IsTradeable(time.Now().UnixNano()) {
		t.Error("settling market must not be tradeable")
	}

	// 结算中的市场不能作废
	if err := mgr.CancelMarket(ctx, m.ID); err != ErrStatusConflict {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}

	if err := mgr.FinishSettlement(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = mgr.Get(ctx, m.ID)
	if got.Status != StatusSettled || !got.IsTerminal() {
		t.Errorf("unexpected market after settlement: %+v", got)
	}
}

func TestManager_CloseTime(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	closeTime := time.Now().Add(-time.Hour).UnixNano()
	m, err := mgr.CreateMarket(ctx, "Expired question", closeTime)
	if err != nil {
		t.Fatal(err)
	}
	if m.IsTradeable(time.Now().UnixNano()) {
		t.Error("market past close time must not be tradeable")
	}
}

// =============================================================================
// 行情维护
// =============================================================================

func TestManager_OnTrade_Direct(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	m, _ := mgr.CreateMarket(ctx, "q", 0)

	// NO 合约成交 @ 35 → YES 最新价 65
	trade := &match.Trade{
		MarketID: m.ID, Type: match.TradeDirect,
		Contract: match.ContractNo, Price: 35, Qty: 10,
	}
	if err := mgr.OnTrade(ctx, trade); err != nil {
		t.Fatal(err)
	}

	got, _ := mgr.Get(ctx, m.ID)
	if got.LastYesPrice != 65 || got.LastNoPrice != 35 {
		t.Errorf("unexpected last prices: yes=%d no=%d", got.LastYesPrice, got.LastNoPrice)
	}
	if got.Volume != 10 || got.SharesOutstanding != 0 {
		t.Errorf("unexpected volume/shares: %+v", got)
	}
}

func TestManager_OnTrade_MintMerge(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	m, _ := mgr.CreateMarket(ctx, "q", 0)

	// 铸造: 双边各按自己的限价原样记录 (70 + 35 > 100，不归一)，流通 +10
	mint := &match.Trade{
		MarketID: m.ID, Type: match.TradeMint,
		Price: match.SetValue, Qty: 10, YesPrice: 70, NoPrice: 35,
	}
	if err := mgr.OnTrade(ctx, mint); err != nil {
		t.Fatal(err)
	}
	got, _ := mgr.Get(ctx, m.ID)
	if got.LastYesPrice != 70 || got.LastNoPrice != 35 {
		t.Errorf("unexpected last prices after mint: yes=%d no=%d", got.LastYesPrice, got.LastNoPrice)
	}
	if got.SharesOutstanding != 10 {
		t.Errorf("expected 10 shares outstanding, got %d", got.SharesOutstanding)
	}

	// 销毁: 同样原样记录 (60 + 38 < 100)，流通 -4
	merge := &match.Trade{
		MarketID: m.ID, Type: match.TradeMerge,
		Price: 0, Qty: 4, YesPrice: 60, NoPrice: 38,
	}
	if err := mgr.OnTrade(ctx, merge); err != nil {
		t.Fatal(err)
	}
	got, _ = mgr.Get(ctx, m.ID)
	if got.LastYesPrice != 60 || got.LastNoPrice != 38 {
		t.Errorf("unexpected last prices after merge: yes=%d no=%d", got.LastYesPrice, got.LastNoPrice)
	}
	if got.SharesOutstanding != 6 {
		t.Errorf("expected 6 shares outstanding, got %d", got.SharesOutstanding)
	}
	if got.Volume != 14 {
		t.Errorf("expected volume 14, got %d", got.Volume)
	}
}

// =============================================================================
// 广播
// =============================================================================

func TestBroadcaster_FanOutAndDrop(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	fast := b.Subscribe()
	_ = b.Subscribe() // 从不消费，用来触发丢包

	update := QuoteUpdate{MarketID: 7, Quotes: match.Quotes{BestYesBid: 45}}
	// 慢订阅者缓冲 1024，再多发就丢
	for i := 0; i < 1030; i++ {
		b.Broadcast(update)
	}

	select {
	case got := <-fast:
		if got.MarketID != 7 || got.Quotes.BestYesBid != 45 {
			t.Errorf("unexpected update: %+v", got)
		}
	default:
		t.Fatal("fast subscriber should have updates")
	}

	if b.Dropped() == 0 {
		t.Error("slow subscriber should cause drops")
	}
}

// fakeSource 固定快照来源
type fakeSource struct {
	id   int64
	snap *match.BookSnapshot
}

func (s *fakeSource) MarketID() int64               { return s.id }
func (s *fakeSource) Snapshot() *match.BookSnapshot { return s.snap }

func TestQuoteTicker_BroadcastsOnChange(t *testing.T) {
	source := &fakeSource{id: 7, snap: &match.BookSnapshot{
		MarketID: 7,
		Quotes:   match.Quotes{BestYesBid: 48, BestYesAsk: 52},
	}}
	b := NewBroadcaster()
	sub := b.Subscribe()

	ticker := NewQuoteTicker(source, b, time.Millisecond)
	ticker.Start()
	defer ticker.Stop()

	select {
	case update := <-sub:
		if update.Quotes.BestYesBid != 48 {
			t.Errorf("unexpected quotes: %+v", update.Quotes)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for quote update")
	}

	// 价不变不再推送
	select {
	case update := <-sub:
		t.Errorf("unexpected second update: %+v", update)
	case <-time.After(20 * time.Millisecond):
	}
}

// BenchmarkBroadcast 1 生产者 -> 10 消费者的分发性能
func BenchmarkBroadcast(b *testing.B) {
	broadcaster := NewBroadcaster()
	defer broadcaster.Close()

	for i := 0; i < 10; i++ {
		ch := broadcaster.Subscribe()
		go func() {
			for range ch {
			}
		}()
	}

	update := QuoteUpdate{MarketID: 7, Quotes: match.Quotes{BestYesBid: 50, BestYesAsk: 52}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		broadcaster.Broadcast(update)
	}
}
