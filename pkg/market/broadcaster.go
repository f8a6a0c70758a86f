// 文件: pkg/market/broadcaster.go
// 行情广播器
//
// Fan-out: 一条行情更新分发给所有订阅者 (WebSocket 推送、
// 通知、监控)。慢订阅者直接丢包，绝不拖累其它订阅者。

package market

import (
	"sync"
	"sync/atomic"

	"pmx.com/pkg/match"
)

// QuoteUpdate 行情推送
type QuoteUpdate struct {
	MarketID int64        `json:"market_id"`
	Quotes   match.Quotes `json:"quotes"`
	Ts       int64        `json:"ts"` // unix nano
}

// Broadcaster 行情广播器
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []chan QuoteUpdate
	dropped     atomic.Int64
}

// NewBroadcaster 创建广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe 订阅行情，缓冲 1024 条抵抗订阅方的短暂停顿
func (b *Broadcaster) Subscribe() <-chan QuoteUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan QuoteUpdate, 1024)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast 推送到所有订阅者，满了就丢
func (b *Broadcaster) Broadcast(update QuoteUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- update:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped 累计丢弃条数
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭所有订阅通道
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
