// 文件: cmd/simulation/main.go
// 全链路模拟: 账本 + 撮合 + 行情 + 预警 + 结算
//
// 不依赖外部 MySQL/Kafka/Redis，市场仓储用内存 Mock，
// 账本 WAL 写 ./wal_data 演示崩溃恢复能力。
// Ctrl-C 或跑满时长后按随机结果结算市场并打印对账汇总。

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"pmx.com/pkg/alert"
	"pmx.com/pkg/journal"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/market"
	"pmx.com/pkg/match"
	"pmx.com/pkg/settle"
	"pmx.com/pkg/trading"
)

const (
	numTraders     = 20
	initialDeposit = 100_000 // $1000/人
	runDuration    = 10 * time.Second
)

// =============================================================================
// 内存市场仓储 (模拟器不连 MySQL)
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

// =============================================================================
// 主程序
// =============================================================================

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("starting prediction market simulation...")

	// 1. 账本引擎 (带 WAL)
	os.RemoveAll("./wal_data")
	ledgerCfg := ledger.DefaultEngineConfig()
	ledgerCfg.WALDir = "./wal_data"
	ldg, err := ledger.NewEngine(ledgerCfg)
	if err != nil {
		log.Fatalf("create ledger: %v", err)
	}
	ldg.Start()
	defer ldg.Stop()
	log.Println("ledger engine started (WAL: ./wal_data)")

	// 2. 市场管理 + 交易处理器
	manager, err := market.NewManager(newMemMarketRepo(), nil, 1)
	if err != nil {
		log.Fatalf("create market manager: %v", err)
	}
	publisher := journal.NewMemoryPublisher()
	processor := trading.NewProcessor(trading.Deps{
		Ledger:    ldg,
		Markets:   manager,
		Publisher: publisher,
	})

	ctx := context.Background()
	m, err := manager.CreateMarket(ctx, "Will BTC close above $100k this year?", 0)
	if err != nil {
		log.Fatalf("create market: %v", err)
	}
	if err := processor.OpenMarket(ctx, m.ID); err != nil {
		log.Fatalf("open market: %v", err)
	}
	log.Printf("market %d opened: %s", m.ID, m.Question)

	// 3. 行情广播 + 价格预警
	broadcaster := market.NewBroadcaster()
	defer broadcaster.Close()

	engine, _ := processor.Engine(m.ID)
	ticker := market.NewQuoteTicker(engine, broadcaster, 100*time.Millisecond)
	ticker.Start()
	defer ticker.Stop()

	alerts := alert.NewMemorySubscriptionManager()
	watcher := alert.NewWatcher(alerts, nil)
	watcher.Start(broadcaster.Subscribe())
	defer watcher.Stop()

	_ = alerts.Subscribe(ctx, alert.AlertRule{
		AlertID: "demo-high", UserID: 1, MarketID: m.ID,
		Direction: alert.DirectionHigh, Price: 65, Type: alert.AlertOnce,
	})
	_ = alerts.Subscribe(ctx, alert.AlertRule{
		AlertID: "demo-low", UserID: 2, MarketID: m.ID,
		Direction: alert.DirectionLow, Price: 35, Type: alert.AlertOnce,
	})

	// 4. 入金
	for uid := int64(1); uid <= numTraders; uid++ {
		if err := processor.Deposit(depositKey(uid), uid, initialDeposit); err != nil {
			log.Fatalf("deposit user %d: %v", uid, err)
		}
	}
	log.Printf("%d traders funded with %d cents each", numTraders, initialDeposit)

	// 5. 随机交易流
	simCtx, stopSim := context.WithCancel(ctx)
	var simWG sync.WaitGroup
	simWG.Add(1)
	go func() {
		defer simWG.Done()
		runTraders(simCtx, processor, m.ID)
	}()

	// 6. 跑满时长或收到信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(runDuration):
		log.Println("simulation time up")
	case <-sigCh:
		log.Println("interrupted")
	}
	stopSim()
	simWG.Wait()

	// 7. 结算
	resolution := market.ResolutionYes
	if rand.Intn(2) == 0 {
		resolution = market.ResolutionNo
	}
	log.Printf("settling market %d: resolution=%s", m.ID, resolution)

	settler := settle.NewEngine(nil, ldg, manager, processor, publisher)
	if err := settler.SettleMarket(ctx, m.ID, resolution); err != nil {
		log.Fatalf("settle market: %v", err)
	}

	printSummary(ldg, publisher)
}

func depositKey(uid int64) string {
	return fmt.Sprintf("sim:dep:%d", uid)
}

// runTraders 随机下单/铸造/赎回，直到被取消
func runTraders(ctx context.Context, processor *trading.Processor, marketID int64) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uid := rand.Int63n(numTraders) + 1
			action := rand.Intn(10)

			switch {
			case action < 7:
				// 限价单，价格围绕 50 波动
				req := trading.PlaceOrderRequest{
					UserID:   uid,
					MarketID: marketID,
					Side:     match.SideBuy,
					Contract: match.ContractYes,
					Type:     match.OrderTypeLimit,
					Price:    30 + rand.Int63n(40),
					Qty:      rand.Int63n(5) + 1,
				}
				if rand.Intn(2) == 0 {
					req.Contract = match.ContractNo
				}
				if rand.Intn(2) == 0 {
					req.Side = match.SideSell
				}
				if _, err := processor.PlaceOrder(ctx, req); err != nil {
					// 卖单没持仓之类的拒单是正常流量
					continue
				}

			case action < 8:
				// 市价单吃流动性
				req := trading.PlaceOrderRequest{
					UserID:   uid,
					MarketID: marketID,
					Side:     match.SideBuy,
					Contract: match.ContractYes,
					Type:     match.OrderTypeMarket,
					Qty:      rand.Int63n(3) + 1,
				}
				if rand.Intn(2) == 0 {
					req.Contract = match.ContractNo
				}
				_, _ = processor.PlaceOrder(ctx, req)

			case action < 9:
				_ = processor.MintSet(ctx, uid, marketID, rand.Int63n(3)+1)

			default:
				_ = processor.RedeemSet(ctx, uid, marketID, 1)
			}
		}
	}
}

// printSummary 结算后的对账汇总
func printSummary(ldg *ledger.Engine, publisher *journal.MemoryPublisher) {
	var totalCash int64
	for uid := int64(1); uid <= numTraders; uid++ {
		snap := ldg.GetSnapshot(uid)
		if snap == nil {
			continue
		}
		totalCash += snap.Cash.Total()
		log.Printf("user %2d: available=%d reserved=%d", uid, snap.Cash.Available, snap.Cash.Reserved)
	}

	deposited := int64(numTraders * initialDeposit)
	log.Printf("total cash after settlement: %d (deposited %d, system retained %d)",
		totalCash, deposited, deposited-totalCash)
	log.Printf("journal: %d transactions, %d trades",
		len(publisher.Transactions()), len(publisher.Trades()))

	stats := ldg.GetStats()
	log.Printf("ledger: %d accounts, %d commands across %d shards",
		stats.TotalAccounts, stats.TotalCommands, stats.TotalShards)
}
