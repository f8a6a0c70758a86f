// 文件: pkg/journal/db_writer.go
// 交易流水 - 数据库写入器
//
// 消费 Kafka 流水事件，批量落 MySQL:
// - 批量缓冲，定时或满批刷盘
// - event_id 幂等，重复消费不产生脏数据

package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pmx.com/pkg/kafka"
)

// DBWriterConfig 写入器配置
type DBWriterConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultDBWriterConfig 默认配置
func DefaultDBWriterConfig(brokers []string) DBWriterConfig {
	return DBWriterConfig{
		Brokers:       brokers,
		GroupID:       "pm_journal_writer",
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// DBWriterStats 写入统计
type DBWriterStats struct {
	ReceivedCount int64
	WrittenCount  int64
	ErrorCount    int64
	BatchCount    int64
}

// DBWriter 流水落库写入器
type DBWriter struct {
	repo     *TransactionRepo
	consumer *kafka.Consumer

	buffer    []*TransactionRecord
	bufferMu  sync.Mutex
	batchSize int
	flushCh   chan struct{}

	stats DBWriterStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushInterval time.Duration
}

// NewDBWriter 创建写入器
func NewDBWriter(cfg DBWriterConfig, repo *TransactionRepo) (*DBWriter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &DBWriter{
		repo:          repo,
		buffer:        make([]*TransactionRecord, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushCh:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
	}

	consumerCfg := kafka.DefaultConsumerConfig(
		cfg.Brokers,
		cfg.GroupID,
		[]string{TopicTransactions},
	)

	consumer, err := kafka.NewConsumer(consumerCfg, w.handleMessage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	w.consumer = consumer

	return w, nil
}

// handleMessage 处理单条流水消息
func (w *DBWriter) handleMessage(topic string, partition int32, offset int64, key, value []byte) error {
	var tx Transaction
	if err := json.Unmarshal(value, &tx); err != nil {
		w.stats.ErrorCount++
		return fmt.Errorf("unmarshal transaction: %w", err)
	}

	w.stats.ReceivedCount++

	w.bufferMu.Lock()
	w.buffer = append(w.buffer, tx.ToRecord())
	shouldFlush := len(w.buffer) >= w.batchSize
	w.bufferMu.Unlock()

	if shouldFlush {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}

	return nil
}

// flush 缓冲落库
func (w *DBWriter) flush() {
	w.bufferMu.Lock()
	records := w.buffer
	w.buffer = make([]*TransactionRecord, 0, w.batchSize)
	w.bufferMu.Unlock()

	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.repo.BatchInsert(ctx, records); err != nil {
		w.stats.ErrorCount++
		fmt.Printf("[JournalWriter] batch insert error: %v\n", err)
		// 放回缓冲，下一轮重试
		w.bufferMu.Lock()
		w.buffer = append(records, w.buffer...)
		w.bufferMu.Unlock()
		return
	}

	w.stats.WrittenCount += int64(len(records))
	w.stats.BatchCount++
}

// Start 启动消费与定时刷盘
func (w *DBWriter) Start() {
	w.consumer.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				w.flush()
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushCh:
				w.flush()
			}
		}
	}()
}

// Stop 停止写入器
func (w *DBWriter) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.consumer.Stop()
}

// Stats 写入统计
func (w *DBWriter) Stats() DBWriterStats {
	return w.stats
}
