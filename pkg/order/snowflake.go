// 文件: pkg/order/snowflake.go
// 订单/成交 ID 生成
// github.com/bwmarrin/snowflake，多节点部署时各自分配 nodeID

package order

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
)

// InitSnowflake 初始化 ID 生成器，nodeID 取值 0-1023
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// GenerateOrderID 生成订单 ID
func GenerateOrderID() int64 {
	if node == nil {
		_ = InitSnowflake(0)
	}
	return node.Generate().Int64()
}

// GenerateTradeID 生成成交 ID，与订单 ID 同一序列
func GenerateTradeID() int64 {
	return GenerateOrderID()
}
