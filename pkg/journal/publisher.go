// 文件: pkg/journal/publisher.go
// 交易流水 - 事件发布
//
// Publisher 是个小接口: 交易处理器只管发事件，不关心消息系统。
// 生产走 Kafka，本地开发走 NATS，测试用内存实现。

package journal

import (
	"fmt"
	"sync"
	"time"

	"pmx.com/pkg/kafka"
	"pmx.com/pkg/nats"
)

// Publisher 流水/成交事件发布方
type Publisher interface {
	PublishTransaction(tx *Transaction) error
	PublishTrade(event *TradeEvent) error
	Close() error
}

// NewTransaction 构造流水事件并补齐幂等键
// eventID 约定: "{type}:{refType}:{refID}:{userID}"
func NewTransaction(txType TxType, userID, marketID, amount, qty int64, contract, refType string, refID int64) *Transaction {
	return &Transaction{
		EventID:   fmt.Sprintf("%s:%s:%d:%d", txType, refType, refID, userID),
		UserID:    userID,
		MarketID:  marketID,
		Type:      txType,
		Amount:    amount,
		Qty:       qty,
		Contract:  contract,
		RefType:   refType,
		RefID:     refID,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// Kafka 实现
// =============================================================================

// KafkaPublisher 经 Kafka 发布流水
type KafkaPublisher struct {
	producer *kafka.Producer
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(brokers))
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{producer: producer}, nil
}

// PublishTransaction 发布流水事件
func (p *KafkaPublisher) PublishTransaction(tx *Transaction) error {
	return p.producer.Send(tx)
}

// PublishTrade 发布成交事件
func (p *KafkaPublisher) PublishTrade(event *TradeEvent) error {
	return p.producer.Send(event)
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Stats 生产者统计
func (p *KafkaPublisher) Stats() kafka.ProducerStats {
	return p.producer.Stats()
}

// =============================================================================
// NATS 实现 (本地开发)
// =============================================================================

// NatsPublisher 经 NATS 发布流水
type NatsPublisher struct {
	publisher *nats.Publisher
}

var _ Publisher = (*NatsPublisher)(nil)

// NewNatsPublisher 创建 NATS 发布器
func NewNatsPublisher(url string) (*NatsPublisher, error) {
	publisher, err := nats.NewPublisher(url)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{publisher: publisher}, nil
}

// PublishTransaction 发布流水事件
func (p *NatsPublisher) PublishTransaction(tx *Transaction) error {
	return p.publisher.Publish(TopicTransactions, tx)
}

// PublishTrade 发布成交事件
func (p *NatsPublisher) PublishTrade(event *TradeEvent) error {
	return p.publisher.Publish(TopicTrades, event)
}

// Close 关闭发布器
func (p *NatsPublisher) Close() error {
	p.publisher.Close()
	return nil
}

// =============================================================================
// 内存实现 (测试)
// =============================================================================

// MemoryPublisher 内存发布器，记录所有事件
// 发布方和断言方在不同 goroutine，内部加锁
type MemoryPublisher struct {
	mu           sync.Mutex
	transactions []*Transaction
	trades       []*TradeEvent
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher 创建内存发布器
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// PublishTransaction 记录流水事件
func (p *MemoryPublisher) PublishTransaction(tx *Transaction) error {
	p.mu.Lock()
	p.transactions = append(p.transactions, tx)
	p.mu.Unlock()
	return nil
}

// PublishTrade 记录成交事件
func (p *MemoryPublisher) PublishTrade(event *TradeEvent) error {
	p.mu.Lock()
	p.trades = append(p.trades, event)
	p.mu.Unlock()
	return nil
}

// Transactions 已记录的流水事件
func (p *MemoryPublisher) Transactions() []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Transaction(nil), p.transactions...)
}

// Trades 已记录的成交事件
func (p *MemoryPublisher) Trades() []*TradeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*TradeEvent(nil), p.trades...)
}

// Close 无操作
func (p *MemoryPublisher) Close() error {
	return nil
}
