// 文件: pkg/market/ticker.go
// 行情采样器
//
// 定期读撮合引擎的订单簿快照 (无锁)，最优价变化时经广播器推送。
// 采样而不是逐事件推送: 订阅方要的是"现在的价"，不是每笔变动。

package market

import (
	"time"

	"pmx.com/pkg/match"
)

// SnapshotSource 订单簿快照来源，match.Engine 满足该接口
type SnapshotSource interface {
	MarketID() int64
	Snapshot() *match.BookSnapshot
}

// QuoteTicker 行情采样器
type QuoteTicker struct {
	source      SnapshotSource
	broadcaster *Broadcaster
	interval    time.Duration

	lastQuotes match.Quotes
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewQuoteTicker 创建采样器
func NewQuoteTicker(source SnapshotSource, broadcaster *Broadcaster, interval time.Duration) *QuoteTicker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &QuoteTicker{
		source:      source,
		broadcaster: broadcaster,
		interval:    interval,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start 启动采样循环
func (t *QuoteTicker) Start() {
	go t.loop()
}

// Stop 停止采样
func (t *QuoteTicker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *QuoteTicker) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			snap := t.source.Snapshot()
			if snap == nil || snap.Quotes == t.lastQuotes {
				continue
			}
			t.lastQuotes = snap.Quotes
			t.broadcaster.Broadcast(QuoteUpdate{
				MarketID: t.source.MarketID(),
				Quotes:   snap.Quotes,
				Ts:       now.UnixNano(),
			})
		}
	}
}
