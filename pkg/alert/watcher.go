// 文件: pkg/alert/watcher.go
// 行情驱动的预警触发器
//
// 订阅行情广播，跟踪每个市场的 YES 中间价，价格变动时查询
// 触发集并逐条回调通知。通知失败只影响该条，不中断消费。

package alert

import (
	"context"
	"log"
	"sync"
	"time"

	"pmx.com/pkg/market"
)

// NotifyFunc 触发回调 (推送/站内信/webhook 由调用方接)
type NotifyFunc func(rule AlertRule, yesPrice int64)

const watcherQueryTimeout = 3 * time.Second

// Watcher 行情监听器
type Watcher struct {
	manager SubscriptionManager
	notify  NotifyFunc

	lastPrice map[int64]int64 // marketID -> 上一个 YES 中间价

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher 创建监听器，notify 为 nil 时只记日志
func NewWatcher(manager SubscriptionManager, notify NotifyFunc) *Watcher {
	if notify == nil {
		notify = func(rule AlertRule, yesPrice int64) {
			log.Printf("[Alert] triggered: alert=%s user=%d market=%d price=%d",
				rule.AlertID, rule.UserID, rule.MarketID, yesPrice)
		}
	}
	return &Watcher{
		manager:   manager,
		notify:    notify,
		lastPrice: make(map[int64]int64),
		stopCh:    make(chan struct{}),
	}
}

// Start 开始消费行情流 (通常传 Broadcaster.Subscribe() 的通道)
func (w *Watcher) Start(updates <-chan market.QuoteUpdate) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				w.handleUpdate(update)
			}
		}
	}()
}

// Stop 停止消费
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// handleUpdate 处理一条行情
func (w *Watcher) handleUpdate(update market.QuoteUpdate) {
	price, ok := yesMidPrice(update)
	if !ok {
		return
	}

	last, seen := w.lastPrice[update.MarketID]
	w.lastPrice[update.MarketID] = price
	if !seen || last == price {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), watcherQueryTimeout)
	defer cancel()

	triggered, err := w.manager.GetTriggeredAlerts(ctx, update.MarketID, price, last)
	if err != nil {
		log.Printf("[Alert] query triggered alerts error: market=%d, err=%v", update.MarketID, err)
		return
	}
	for _, rule := range triggered {
		w.notify(rule, price)
	}
}

// yesMidPrice 从四档最优价推 YES 中间价
// 双边都有挂单取中点，只有单边取该边，空簿不出价
func yesMidPrice(update market.QuoteUpdate) (int64, bool) {
	bid, ask := update.Quotes.BestYesBid, update.Quotes.BestYesAsk
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2, true
	case bid > 0:
		return bid, true
	case ask > 0:
		return ask, true
	}
	return 0, false
}
