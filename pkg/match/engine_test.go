package match

import (
	"sync"
	"testing"
	"time"
)

// collectEvents 收集引擎事件，等待指定数量
type eventCollector struct {
	mu     sync.Mutex
	events []Event
	cond   *sync.Cond
}

func newEventCollector() *eventCollector {
	c := &eventCollector{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *eventCollector) handler(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waitFor 等到至少 n 个事件或超时
func (c *eventCollector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.events) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d events, got %d", n, len(c.events))
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
	}
	return append([]Event(nil), c.events...)
}

func startTestEngine(t *testing.T, walDir string) (*Engine, *recordSettler, *eventCollector) {
	t.Helper()

	config := DefaultEngineConfig(1)
	config.WALDir = walDir
	config.WALSync = SyncModeAlways

	settler := newRecordSettler()
	engine, err := NewEngine(config, settler)
	if err != nil {
		t.Fatal(err)
	}

	collector := newEventCollector()
	engine.OnEvent(collector.handler)
	engine.Start()
	t.Cleanup(engine.Stop)

	return engine, settler, collector
}

// =============================================================================
// 引擎测试
// =============================================================================

func TestEngine_SubmitAndTrade(t *testing.T) {
	engine, settler, collector := startTestEngine(t, "")

	if !engine.Submit(limitOrder(1, 100, SideSell, ContractYes, 50, 10)) {
		t.Fatal("submit failed")
	}
	if !engine.Submit(limitOrder(2, 200, SideBuy, ContractYes, 50, 10)) {
		t.Fatal("submit failed")
	}

	// 挂单接受 + 成交 + 吃单接受 = 3 个事件
	events := collector.waitFor(t, 3)

	var trades int
	for _, e := range events {
		if e.Type == EventTrade {
			trades++
			if e.Trade.Price != 50 || e.Trade.Qty != 10 {
				t.Errorf("unexpected trade: %+v", e.Trade)
			}
		}
	}
	if trades != 1 {
		t.Errorf("expected 1 trade event, got %d", trades)
	}
	if len(settler.directs) != 1 {
		t.Errorf("expected 1 settlement, got %d", len(settler.directs))
	}

	// 簿应清空，快照无买卖价
	snap := engine.Snapshot()
	if snap.Quotes.BestYesBid != 0 || snap.Quotes.BestYesAsk != 0 {
		t.Errorf("expected empty book, quotes: %+v", snap.Quotes)
	}
}

func TestEngine_CancelSynchronous(t *testing.T) {
	engine, _, collector := startTestEngine(t, "")

	engine.Submit(limitOrder(1, 100, SideBuy, ContractYes, 45, 10))
	collector.waitFor(t, 1)

	// 同步撤单: 返回被摘除的订单
	order, err := engine.Cancel(1)
	if err != nil {
		t.Fatal(err)
	}
	if order == nil || order.ID != 1 {
		t.Fatalf("expected cancelled order 1, got %v", order)
	}
	if order.Status != OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", order.Status)
	}

	// 再撤一次: 不在簿中，返回 nil
	order, err = engine.Cancel(1)
	if err != nil {
		t.Fatal(err)
	}
	if order != nil {
		t.Error("second cancel should return nil")
	}
}

func TestEngine_CancelAfterSubmitFIFO(t *testing.T) {
	engine, _, _ := startTestEngine(t, "")

	// 撤单命令排在下单命令之后，必然能看到这个订单
	engine.Submit(limitOrder(1, 100, SideBuy, ContractYes, 45, 10))
	order, err := engine.Cancel(1)
	if err != nil {
		t.Fatal(err)
	}
	if order == nil {
		t.Fatal("cancel queued after submit must find the order")
	}
}

func TestEngine_Drain(t *testing.T) {
	engine, _, collector := startTestEngine(t, "")

	engine.Submit(limitOrder(1, 100, SideBuy, ContractYes, 45, 10))
	engine.Submit(limitOrder(2, 101, SideSell, ContractYes, 60, 10))
	engine.Submit(limitOrder(3, 102, SideBuy, ContractNo, 40, 10))
	collector.waitFor(t, 3)

	orders, err := engine.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 drained orders, got %d", len(orders))
	}
	for _, order := range orders {
		if order.Status != OrderStatusCancelled {
			t.Errorf("drained order %d not cancelled", order.ID)
		}
	}

	// 每张被清出的订单都要有撤销事件，订单表靠它落终态
	events := collector.waitFor(t, 6)
	var cancels int
	for _, e := range events {
		if e.Type == EventOrderCancelled {
			cancels++
		}
	}
	if cancels != 3 {
		t.Errorf("expected 3 cancel events after drain, got %d", cancels)
	}

	snap := engine.Snapshot()
	if snap.Quotes.BestYesBid != 0 || snap.Quotes.BestNoBid != 0 {
		t.Error("book should be empty after drain")
	}
}

func TestEngine_Restore(t *testing.T) {
	config := DefaultEngineConfig(1)
	settler := newRecordSettler()
	engine, err := NewEngine(config, settler)
	if err != nil {
		t.Fatal(err)
	}

	// 模拟数据库里的未完成订单 (包括一个已成交的和别的市场的，应被跳过)
	open := limitOrder(1, 100, SideBuy, ContractYes, 45, 10)
	partial := limitOrder(2, 101, SideSell, ContractYes, 60, 10)
	partial.FilledQty = 4
	partial.Status = OrderStatusPartiallyFilled
	filled := limitOrder(3, 102, SideBuy, ContractYes, 50, 5)
	filled.Status = OrderStatusFilled
	other := limitOrder(4, 103, SideBuy, ContractYes, 50, 5)
	other.MarketID = 99

	restored := engine.Restore([]*Order{open, partial, filled, other})
	if restored != 2 {
		t.Errorf("expected 2 restored, got %d", restored)
	}

	snap := engine.Snapshot()
	if snap.Quotes.BestYesBid != 45 || snap.Quotes.BestYesAsk != 60 {
		t.Errorf("unexpected quotes after restore: %+v", snap.Quotes)
	}
	// 部分成交的订单只挂剩余量
	if snap.YesAsks[0].Quantity != 6 {
		t.Errorf("expected ask depth 6, got %d", snap.YesAsks[0].Quantity)
	}
}

// =============================================================================
// WAL 测试
// =============================================================================

func TestWAL_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewWAL(WALConfig{Dir: dir, SyncMode: SyncModeAlways})
	if err != nil {
		t.Fatal(err)
	}

	order := limitOrder(7, 100, SideSell, ContractNo, 38, 25)
	order.CreatedAt = time.Now().UnixNano()

	if _, err := wal.WriteOrder(order); err != nil {
		t.Fatal(err)
	}
	if _, err := wal.WriteCancel(7); err != nil {
		t.Fatal(err)
	}
	if err := wal.Close(); err != nil {
		t.Fatal(err)
	}

	// 重新打开读回
	wal2, err := NewWAL(WALConfig{Dir: dir, SyncMode: SyncModeAlways})
	if err != nil {
		t.Fatal(err)
	}
	defer wal2.Close()

	entries, err := wal2.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	decoded, err := DecodeOrder(entries[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != 7 || decoded.Price != 38 || decoded.Qty != 25 ||
		decoded.Side != SideSell || decoded.Contract != ContractNo {
		t.Errorf("decoded order mismatch: %+v", decoded)
	}

	cancelID, err := DecodeCancel(entries[1].Data)
	if err != nil {
		t.Fatal(err)
	}
	if cancelID != 7 {
		t.Errorf("expected cancel id 7, got %d", cancelID)
	}

	// 序列号接着之前的走
	if wal2.Sequence() != 2 {
		t.Errorf("expected sequence 2 after reopen, got %d", wal2.Sequence())
	}
}

func TestEngine_ReplayWAL(t *testing.T) {
	dir := t.TempDir()

	// 第一个引擎: 写入两单一撤，然后停止
	{
		config := DefaultEngineConfig(1)
		config.WALDir = dir
		config.WALSync = SyncModeAlways

		settler := newRecordSettler()
		engine, err := NewEngine(config, settler)
		if err != nil {
			t.Fatal(err)
		}
		engine.Start()

		engine.Submit(limitOrder(1, 100, SideBuy, ContractYes, 45, 10))
		engine.Submit(limitOrder(2, 101, SideBuy, ContractYes, 48, 10))
		for engine.Stats().OrdersProcessed < 2 {
			time.Sleep(time.Millisecond)
		}
		if _, err := engine.Cancel(1); err != nil {
			t.Fatal(err)
		}
		engine.Stop()
	}

	// 第二个引擎: 数据库恢复点为空 (afterOrderID=0)，全量重放
	config := DefaultEngineConfig(1)
	config.WALDir = dir

	settler := newRecordSettler()
	engine, err := NewEngine(config, settler)
	if err != nil {
		t.Fatal(err)
	}

	replayed, err := engine.ReplayWAL(0)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 3 {
		t.Errorf("expected 3 replayed entries, got %d", replayed)
	}

	// 订单 1 被撤，订单 2 还在
	snap := engine.Snapshot()
	if snap.Quotes.BestYesBid != 48 {
		t.Errorf("expected best bid 48 after replay, got %d", snap.Quotes.BestYesBid)
	}
}
