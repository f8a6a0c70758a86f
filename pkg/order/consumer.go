// 文件: pkg/order/consumer.go
// 订单事件消费者
//
// 多进程部署时订单服务独立运行，经 NATS 消费撮合事件更新订单表。
// 单进程部署直接用 OrderService.HandleEngineEvent，不走这里。

package order

import (
	"context"
	"encoding/json"
	"log"

	"pmx.com/pkg/journal"
	"pmx.com/pkg/nats"
)

// SubjectOrderCancelled 撤单事件主题
const SubjectOrderCancelled = "pm_order_cancelled"

// CancelEvent 撤单事件
type CancelEvent struct {
	OrderID   int64  `json:"order_id"`
	MarketID  int64  `json:"market_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// OrderConsumer 订单事件消费者
type OrderConsumer struct {
	service    *OrderService
	subscriber *nats.Subscriber
}

// NewOrderConsumer 创建消费者
func NewOrderConsumer(service *OrderService, natsURL string) (*OrderConsumer, error) {
	oc := &OrderConsumer{service: service}

	subscriber, err := nats.NewSubscriber(natsURL, oc.handleMessage)
	if err != nil {
		return nil, err
	}

	oc.subscriber = subscriber
	return oc, nil
}

// Start 队列订阅，多实例负载均衡
func (c *OrderConsumer) Start() error {
	if err := c.subscriber.SubscribeQueue(journal.TopicTrades, "order-service"); err != nil {
		return err
	}
	return c.subscriber.SubscribeQueue(SubjectOrderCancelled, "order-service")
}

// Stop 停止消费
func (c *OrderConsumer) Stop() error {
	return c.subscriber.Close()
}

func (c *OrderConsumer) handleMessage(subject string, data []byte) error {
	ctx := context.Background()

	switch subject {
	case journal.TopicTrades:
		return c.handleTrade(ctx, data)
	case SubjectOrderCancelled:
		return c.handleCancel(ctx, data)
	}
	return nil
}

func (c *OrderConsumer) handleTrade(ctx context.Context, data []byte) error {
	var ev journal.TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[Order] unmarshal trade event error: %v", err)
		return err
	}
	return c.service.OnTrade(ctx, &ev)
}

func (c *OrderConsumer) handleCancel(ctx context.Context, data []byte) error {
	var ev CancelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[Order] unmarshal cancel event error: %v", err)
		return err
	}
	return c.service.OnOrderCancelled(ctx, ev.OrderID)
}
