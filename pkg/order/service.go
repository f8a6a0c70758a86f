// 文件: pkg/order/service.go
// 订单服务
//
// 下单时由交易处理器同步落库，之后的状态流转全部由撮合事件驱动。
// 成交价按成交类型取: 直接成交双方都按挂单价，铸造/销毁成交
// 各自按合约方向对应的价格。

package order

import (
	"context"
	"log"
	"time"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/match"
)

type OrderService struct {
	repo OrderRepository
}

func NewOrderService(repo OrderRepository) *OrderService {
	return &OrderService{repo: repo}
}

// =============================================================================
// 同步操作 (交易处理器调用)
// =============================================================================

// CreateFromMatch 订单被引擎接受后落库
func (s *OrderService) CreateFromMatch(ctx context.Context, o *match.Order) error {
	return s.repo.Create(ctx, FromMatchOrder(o))
}

// LoadOpenOrders 读回市场的未完结订单 (重启恢复订单簿)
func (s *OrderService) LoadOpenOrders(ctx context.Context, marketID int64) ([]*match.Order, error) {
	records, err := s.repo.GetOpenByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	orders := make([]*match.Order, 0, len(records))
	for _, r := range records {
		orders = append(orders, r.ToMatchOrder())
	}
	return orders, nil
}

// =============================================================================
// 事件处理 (撮合事件驱动)
// =============================================================================

// OnTrade 成交事件: 更新双方订单的成交量/均价/状态
func (s *OrderService) OnTrade(ctx context.Context, ev *journal.TradeEvent) error {
	if err := s.applyFill(ctx, ev.TakerOrderID, true, ev); err != nil {
		return err
	}
	return s.applyFill(ctx, ev.MakerOrderID, false, ev)
}

func (s *OrderService) applyFill(ctx context.Context, orderID int64, isTaker bool, ev *journal.TradeEvent) error {
	record, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}

	fillPrice := fillPriceFor(record.Contract, isTaker, ev)

	newFilledQty := record.FilledQty + ev.Qty
	newAvgPrice := (record.AvgPrice*record.FilledQty + fillPrice*ev.Qty) / newFilledQty

	newStatus := match.OrderStatusPartiallyFilled
	if newFilledQty >= record.Qty {
		newStatus = match.OrderStatusFilled
	}

	return s.repo.UpdateFill(ctx, orderID, newFilledQty, newAvgPrice, newStatus)
}

// fillPriceFor 实际成交价:
// - DIRECT: 双方都按挂单方价格 (已是 ev.Price)
// - MINT:   挂单方付自己的限价，进攻方付 100 - 挂单方限价 (价差让利)
// - MERGE:  双方各收自己的限价
func fillPriceFor(contract match.Contract, isTaker bool, ev *journal.TradeEvent) int64 {
	ownPrice, otherPrice := ev.YesPrice, ev.NoPrice
	if contract == match.ContractNo {
		ownPrice, otherPrice = ev.NoPrice, ev.YesPrice
	}

	switch ev.Type {
	case match.TradeMint.String():
		if isTaker {
			return match.SetValue - otherPrice
		}
		return ownPrice
	case match.TradeMerge.String():
		return ownPrice
	default:
		return ev.Price
	}
}

// OnOrderCancelled 撤单事件 (含市价单余量取消、结算清簿)
func (s *OrderService) OnOrderCancelled(ctx context.Context, orderID int64) error {
	return s.repo.UpdateStatus(ctx, orderID, match.OrderStatusCancelled)
}

// =============================================================================
// 引擎事件挂载
// =============================================================================

// HandleEngineEvent 挂到撮合引擎 OnEvent 上，单进程部署时
// 不经消息队列直接落库。失败只记日志，由对账流程兜底。
func (s *OrderService) HandleEngineEvent(event match.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch event.Type {
	case match.EventTrade:
		ev := &journal.TradeEvent{
			TradeID:      event.Trade.ID,
			MarketID:     event.Trade.MarketID,
			Type:         event.Trade.Type.String(),
			Price:        event.Trade.Price,
			Qty:          event.Trade.Qty,
			YesPrice:     event.Trade.YesPrice,
			NoPrice:      event.Trade.NoPrice,
			TakerOrderID: event.Trade.TakerOrderID,
			MakerOrderID: event.Trade.MakerOrderID,
		}
		if err := s.OnTrade(ctx, ev); err != nil {
			log.Printf("[Order] apply trade %d error: %v", event.Trade.ID, err)
		}
	case match.EventOrderCancelled:
		if err := s.OnOrderCancelled(ctx, event.Order.ID); err != nil {
			log.Printf("[Order] cancel order %d error: %v", event.Order.ID, err)
		}
	}
}

// =============================================================================
// 查询
// =============================================================================

func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderRecord, error) {
	return s.repo.GetByOrderID(ctx, orderID)
}

func (s *OrderService) GetActiveOrders(ctx context.Context, userID int64) ([]*OrderRecord, error) {
	return s.repo.GetActiveByUser(ctx, userID)
}

func (s *OrderService) GetOrderHistory(ctx context.Context, userID, marketID int64, limit int) ([]*OrderRecord, error) {
	return s.repo.ListByUserAndMarket(ctx, userID, marketID, limit)
}
