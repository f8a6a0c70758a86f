// 文件: pkg/order/service_test.go
// 订单服务测试，用内存仓储替代 MySQL

package order

import (
	"context"
	"fmt"
	"testing"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/match"
)

// memRepo 内存订单仓储
type memRepo struct {
	records map[int64]*OrderRecord
}

var _ OrderRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[int64]*OrderRecord)}
}

func (r *memRepo) Create(_ context.Context, record *OrderRecord) error {
	r.records[record.OrderID] = record
	return nil
}

func (r *memRepo) GetByOrderID(_ context.Context, orderID int64) (*OrderRecord, error) {
	record, ok := r.records[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	return record, nil
}

func (r *memRepo) GetActiveByUser(_ context.Context, userID int64) ([]*OrderRecord, error) {
	var out []*OrderRecord
	for _, rec := range r.records {
		if rec.UserID == userID && rec.IsActive() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) GetOpenByMarket(_ context.Context, marketID int64) ([]*OrderRecord, error) {
	var out []*OrderRecord
	for _, rec := range r.records {
		if rec.MarketID == marketID && rec.IsActive() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) ListByUserAndMarket(_ context.Context, userID, marketID int64, _ int) ([]*OrderRecord, error) {
	var out []*OrderRecord
	for _, rec := range r.records {
		if rec.UserID == userID && rec.MarketID == marketID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateFill(_ context.Context, orderID, filledQty, avgPrice int64, status match.OrderStatus) error {
	rec, ok := r.records[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	rec.FilledQty = filledQty
	rec.AvgPrice = avgPrice
	rec.Status = status
	return nil
}

func (r *memRepo) UpdateStatus(_ context.Context, orderID int64, status match.OrderStatus) error {
	rec, ok := r.records[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	rec.Status = status
	return nil
}

func createOrder(t *testing.T, svc *OrderService, id, userID int64, contract match.Contract, side match.Side, price, qty int64) {
	t.Helper()
	o := &match.Order{
		ID: id, UserID: userID, MarketID: 7,
		Contract: contract, Side: side, Type: match.OrderTypeLimit,
		Price: price, Qty: qty, Status: match.OrderStatusOpen,
	}
	if err := svc.CreateFromMatch(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func TestOrderService_DirectFill(t *testing.T) {
	repo := newMemRepo()
	svc := NewOrderService(repo)
	ctx := context.Background()

	createOrder(t, svc, 1, 100, match.ContractYes, match.SideSell, 40, 10)
	createOrder(t, svc, 2, 200, match.ContractYes, match.SideBuy, 55, 4)

	// 买方吃卖一: 成交价 = 挂单方 40
	ev := &journal.TradeEvent{
		TradeID: 1, MarketID: 7, Type: "DIRECT", Price: 40, Qty: 4,
		TakerOrderID: 2, MakerOrderID: 1,
	}
	if err := svc.OnTrade(ctx, ev); err != nil {
		t.Fatal(err)
	}

	taker, _ := svc.GetOrder(ctx, 2)
	if taker.Status != match.OrderStatusFilled || taker.AvgPrice != 40 {
		t.Errorf("unexpected taker: %+v", taker)
	}
	maker, _ := svc.GetOrder(ctx, 1)
	if maker.Status != match.OrderStatusPartiallyFilled || maker.FilledQty != 4 {
		t.Errorf("unexpected maker: %+v", maker)
	}
}

func TestOrderService_MintFillPrices(t *testing.T) {
	repo := newMemRepo()
	svc := NewOrderService(repo)
	ctx := context.Background()

	// 挂单方 BUY NO @ 42，进攻方 BUY YES @ 65: 进攻方实付 58
	createOrder(t, svc, 1, 100, match.ContractNo, match.SideBuy, 42, 10)
	createOrder(t, svc, 2, 200, match.ContractYes, match.SideBuy, 65, 10)

	ev := &journal.TradeEvent{
		TradeID: 1, MarketID: 7, Type: "MINT", Price: 100, Qty: 10,
		YesPrice: 65, NoPrice: 42,
		TakerOrderID: 2, MakerOrderID: 1,
	}
	if err := svc.OnTrade(ctx, ev); err != nil {
		t.Fatal(err)
	}

	taker, _ := svc.GetOrder(ctx, 2)
	if taker.AvgPrice != 58 {
		t.Errorf("taker should pay 100-42=58, got %d", taker.AvgPrice)
	}
	maker, _ := svc.GetOrder(ctx, 1)
	if maker.AvgPrice != 42 {
		t.Errorf("maker should pay own limit 42, got %d", maker.AvgPrice)
	}
}

func TestOrderService_MergeFillPrices(t *testing.T) {
	repo := newMemRepo()
	svc := NewOrderService(repo)
	ctx := context.Background()

	// 双卖方各收自己的限价
	createOrder(t, svc, 1, 100, match.ContractNo, match.SideSell, 38, 5)
	createOrder(t, svc, 2, 200, match.ContractYes, match.SideSell, 60, 5)

	ev := &journal.TradeEvent{
		TradeID: 1, MarketID: 7, Type: "MERGE", Price: 0, Qty: 5,
		YesPrice: 60, NoPrice: 38,
		TakerOrderID: 2, MakerOrderID: 1,
	}
	if err := svc.OnTrade(ctx, ev); err != nil {
		t.Fatal(err)
	}

	yesSeller, _ := svc.GetOrder(ctx, 2)
	if yesSeller.AvgPrice != 60 {
		t.Errorf("yes seller should receive 60, got %d", yesSeller.AvgPrice)
	}
	noSeller, _ := svc.GetOrder(ctx, 1)
	if noSeller.AvgPrice != 38 {
		t.Errorf("no seller should receive 38, got %d", noSeller.AvgPrice)
	}
}

func TestOrderService_CancelAndReload(t *testing.T) {
	repo := newMemRepo()
	svc := NewOrderService(repo)
	ctx := context.Background()

	createOrder(t, svc, 1, 100, match.ContractYes, match.SideBuy, 45, 10)
	createOrder(t, svc, 2, 100, match.ContractYes, match.SideBuy, 50, 10)

	if err := svc.OnOrderCancelled(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// 重载只拿回未完结订单
	orders, err := svc.LoadOpenOrders(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ID != 2 {
		t.Errorf("expected only order 2 open, got %+v", orders)
	}
}

func TestOrderRecord_RoundTrip(t *testing.T) {
	o := &match.Order{
		ID: 9, UserID: 3, MarketID: 7,
		Contract: match.ContractNo, Side: match.SideSell, Type: match.OrderTypeLimit,
		Price: 33, Qty: 20, FilledQty: 5,
		Status: match.OrderStatusPartiallyFilled, CreatedAt: 12345,
	}
	back := FromMatchOrder(o).ToMatchOrder()
	if *back != *o {
		t.Errorf("round trip mismatch:\n  in:  %+v\n  out: %+v", o, back)
	}
}

func TestSnowflake_UniqueIDs(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateOrderID()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
