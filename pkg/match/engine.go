// 文件: pkg/match/engine.go
// 单市场撮合引擎
//
// 架构：
//   下单/撤单/清簿 → 命令队列 → matchLoop (单线程) → 事件队列 → eventLoop
//
// 所有命令走同一个队列，保证下单和撤单之间的先后顺序 (FIFO)。
// 撤单和清簿是同步命令: 调用方阻塞等 matchLoop 回应，拿到确定结果。
// 资金结算不走事件: matchLoop 在每笔配对上同步调用 Settler。

package match

import (
	"errors"
	"log"
	"sync"
	"time"
)

// EngineConfig 引擎配置
type EngineConfig struct {
	MarketID       int64
	QueueSize      int      // 命令队列大小
	EventQueueSize int      // 事件队列大小
	WALDir         string   // WAL 目录，为空则不启用
	WALSync        SyncMode // WAL 刷盘模式
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig(marketID int64) EngineConfig {
	return EngineConfig{
		MarketID:       marketID,
		QueueSize:      10000,
		EventQueueSize: 10000,
		WALSync:        SyncModeBatch,
	}
}

var (
	// ErrEngineBusy 命令队列已满
	ErrEngineBusy = errors.New("match engine queue full")
	// ErrEngineStopped 引擎已停止
	ErrEngineStopped = errors.New("match engine stopped")
)

// =============================================================================
// 事件定义
// =============================================================================

// EventType 事件类型
type EventType int

const (
	EventTrade          EventType = iota // 成交
	EventOrderAccepted                   // 订单已处理 (可能部分/全部成交)
	EventOrderCancelled                  // 订单取消 (用户撤单或引擎取消剩余)
)

// Event 撮合事件
// 账本变更不走事件 (Settler 同步完成)，事件用于行情/通知/落库
type Event struct {
	Type      EventType
	Timestamp int64
	Order     *Order // EventOrderAccepted / EventOrderCancelled
	Trade     *Trade // EventTrade
}

// EventHandler 事件处理器
type EventHandler func(Event)

// =============================================================================
// 命令定义
// =============================================================================

type cmdKind int8

const (
	cmdSubmit cmdKind = iota + 1
	cmdCancel
	cmdDrain
)

// command 撮合命令
// submit 异步；cancel/drain 带回应通道，同步等结果
type command struct {
	kind    cmdKind
	order   *Order        // cmdSubmit
	orderID int64         // cmdCancel
	resp    chan *Order   // cmdCancel: 被摘除的订单，不在簿中为 nil
	drained chan []*Order // cmdDrain: 簿中全部订单
}

// =============================================================================
// 引擎
// =============================================================================

// Engine 单市场撮合引擎
// 一个市场一个实例，一个 matchLoop，状态只被它一个 goroutine 改写
type Engine struct {
	config  EngineConfig
	book    *Book
	matcher *Matcher

	wal *WAL // 可选

	cmdCh   chan command
	eventCh chan Event

	handlers []EventHandler
	mu       sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	replaying bool // WAL 重放期间不再写 WAL

	stats EngineStats
}

// EngineStats 引擎统计 (仅 matchLoop 写入)
type EngineStats struct {
	OrdersProcessed int64
	TradesExecuted  int64
	OrdersCancelled int64
	EventsDropped   int64
}

// NewEngine 创建撮合引擎
// settler 负责每笔配对的账本结算，见 Settler 接口约定
func NewEngine(config EngineConfig, settler Settler) (*Engine, error) {
	book := NewBook(config.MarketID)

	e := &Engine{
		config:  config,
		book:    book,
		matcher: NewMatcher(book, settler),
		cmdCh:   make(chan command, config.QueueSize),
		eventCh: make(chan Event, config.EventQueueSize),
		stopCh:  make(chan struct{}),
	}

	if config.WALDir != "" {
		wal, err := NewWAL(WALConfig{Dir: config.WALDir, SyncMode: config.WALSync})
		if err != nil {
			return nil, err
		}
		e.wal = wal
	}

	return e, nil
}

// SetTradeIDFunc 注入成交 ID 生成器 (Snowflake)，Start 之前调用
func (e *Engine) SetTradeIDFunc(fn func() int64) {
	e.matcher.NewTradeID = fn
}

// =============================================================================
// 恢复 (Start 之前、单线程调用)
// =============================================================================

// Restore 从持久化的 OPEN/PARTIALLY_FILLED 订单重建订单簿
// 只挂簿不撮合: 这些订单当初挂入时已经撮合过，彼此不交叉
func (e *Engine) Restore(orders []*Order) int {
	restored := 0
	for _, order := range orders {
		if order.MarketID != e.config.MarketID || !order.IsActive() {
			continue
		}
		if e.book.Add(order) {
			restored++
		}
	}
	e.book.UpdateSnapshot()
	return restored
}

// ReplayWAL 重放 WAL 中数据库恢复点之后的条目
//
// afterOrderID 之前的下单条目跳过 (已体现在数据库里)。重放会再次
// 经过撮合和结算，依赖 Settler 的幂等键吸收重复结算。
func (e *Engine) ReplayWAL(afterOrderID int64) (int, error) {
	if e.wal == nil {
		return 0, nil
	}
	entries, err := e.wal.ReadAll()
	if err != nil && !errors.Is(err, ErrChecksum) {
		return 0, err
	}

	e.replaying = true
	defer func() { e.replaying = false }()

	replayed := 0
	for i := range entries {
		switch entries[i].Type {
		case EntryPlaceOrder:
			order, derr := DecodeOrder(entries[i].Data)
			if derr != nil {
				return replayed, derr
			}
			if order.ID <= afterOrderID || e.book.Get(order.ID) != nil {
				continue
			}
			e.processSubmit(order)
			replayed++
		case EntryCancelOrder:
			orderID, derr := DecodeCancel(entries[i].Data)
			if derr != nil {
				return replayed, derr
			}
			e.processCancel(orderID, nil)
			replayed++
		}
	}
	return replayed, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动撮合引擎
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.matchLoop()
	go e.eventLoop()
	log.Printf("[Match] engine started: market=%d", e.config.MarketID)
}

// Stop 停止撮合引擎，等两个循环退出
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()

	if e.wal != nil {
		_ = e.wal.Sync()
		_ = e.wal.Close()
	}
	log.Printf("[Match] engine stopped: market=%d", e.config.MarketID)
}

// matchLoop 撮合主循环，串行消费全部命令
func (e *Engine) matchLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return

		case cmd := <-e.cmdCh:
			switch cmd.kind {
			case cmdSubmit:
				e.processSubmit(cmd.order)
			case cmdCancel:
				e.processCancel(cmd.orderID, cmd.resp)
			case cmdDrain:
				e.processDrain(cmd.drained)
			}
		}
	}
}

// =============================================================================
// 对外接口
// =============================================================================

// Submit 提交订单 (异步)
// 队列满返回 false，调用方应拒绝请求而不是阻塞
func (e *Engine) Submit(order *Order) bool {
	select {
	case e.cmdCh <- command{kind: cmdSubmit, order: order}:
		return true
	default:
		return false
	}
}

// Cancel 撤单 (同步)
// 返回被摘除的订单；订单不在簿中 (已成交/已撤/不存在) 返回 nil
func (e *Engine) Cancel(orderID int64) (*Order, error) {
	resp := make(chan *Order, 1)

	select {
	case e.cmdCh <- command{kind: cmdCancel, orderID: orderID, resp: resp}:
	case <-e.stopCh:
		return nil, ErrEngineStopped
	default:
		return nil, ErrEngineBusy
	}

	select {
	case order := <-resp:
		return order, nil
	case <-e.stopCh:
		return nil, ErrEngineStopped
	}
}

// Drain 清空订单簿 (同步)，返回被清出的订单
// 结算/作废市场时调用: 排在队列里的订单先处理完，再一次性清簿
func (e *Engine) Drain() ([]*Order, error) {
	resp := make(chan []*Order, 1)

	select {
	case e.cmdCh <- command{kind: cmdDrain, drained: resp}:
	case <-e.stopCh:
		return nil, ErrEngineStopped
	}

	select {
	case orders := <-resp:
		return orders, nil
	case <-e.stopCh:
		return nil, ErrEngineStopped
	}
}

// =============================================================================
// 命令处理 (matchLoop 内)
// =============================================================================

func (e *Engine) processSubmit(order *Order) {
	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().UnixNano()
	}

	// 先写日志，再撮合
	if e.wal != nil && !e.replaying {
		if _, err := e.wal.WriteOrder(order); err != nil {
			log.Printf("[Match] wal write failed: market=%d order=%d err=%v",
				e.config.MarketID, order.ID, err)
		}
	}

	result, err := e.matcher.Process(order)
	e.stats.OrdersProcessed++
	if err != nil {
		log.Printf("[Match] settle failed, remainder cancelled: order=%d err=%v", order.ID, err)
	}

	for _, trade := range result.Trades {
		e.stats.TradesExecuted++
		e.publishCritical(Event{
			Type:      EventTrade,
			Timestamp: trade.ExecutedAt,
			Trade:     trade,
		})
	}

	eventType := EventOrderAccepted
	if order.Status == OrderStatusCancelled {
		eventType = EventOrderCancelled
	}
	e.publishCritical(Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Order:     order,
	})

	e.book.UpdateSnapshot()
	PutMatchResult(result)
}

func (e *Engine) processCancel(orderID int64, resp chan *Order) {
	if e.wal != nil && !e.replaying {
		if _, err := e.wal.WriteCancel(orderID); err != nil {
			log.Printf("[Match] wal write failed: cancel=%d err=%v", orderID, err)
		}
	}

	order := e.book.Remove(orderID)
	if order != nil {
		order.Status = OrderStatusCancelled
		e.stats.OrdersCancelled++
		e.publishCritical(Event{
			Type:      EventOrderCancelled,
			Timestamp: time.Now().UnixNano(),
			Order:     order,
		})
		e.book.UpdateSnapshot()
	}

	if resp != nil {
		resp <- order
	}
}

func (e *Engine) processDrain(resp chan []*Order) {
	orders := e.book.Clear()
	for _, order := range orders {
		order.Status = OrderStatusCancelled
		e.stats.OrdersCancelled++
		// 和 processCancel 一样逐单发撤销事件，订单表才能跟着终态
		e.publishCritical(Event{
			Type:      EventOrderCancelled,
			Timestamp: time.Now().UnixNano(),
			Order:     order,
		})
	}
	e.book.UpdateSnapshot()

	// 清簿后 WAL 里的历史条目不再需要
	if e.wal != nil {
		_ = e.wal.Truncate()
	}

	resp <- orders
}

// =============================================================================
// 事件分发
// =============================================================================

// OnEvent 注册事件处理器，Start 之前调用
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// publishCritical 关键事件阻塞发送，保证不丢
func (e *Engine) publishCritical(event Event) {
	select {
	case e.eventCh <- event:
	case <-e.stopCh:
		e.stats.EventsDropped++
	}
}

// eventLoop 事件分发循环
func (e *Engine) eventLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			// 停止前把积压事件发完
			for {
				select {
				case event := <-e.eventCh:
					e.dispatch(event)
				default:
					return
				}
			}

		case event := <-e.eventCh:
			e.dispatch(event)
		}
	}
}

func (e *Engine) dispatch(event Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// =============================================================================
// 查询
// =============================================================================

// MarketID 市场 ID
func (e *Engine) MarketID() int64 {
	return e.config.MarketID
}

// Snapshot 订单簿快照 (无锁)
func (e *Engine) Snapshot() *BookSnapshot {
	return e.book.Snapshot()
}

// Stats 引擎统计
func (e *Engine) Stats() EngineStats {
	return e.stats
}
