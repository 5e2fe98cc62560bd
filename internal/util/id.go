package util

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	nodeOnce sync.Once
	nodeErr  error
)

// InitIDs 初始化雪花 ID 生成器，进程内只生效一次
func InitIDs(nodeID int64) error {
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	if nodeErr != nil {
		return fmt.Errorf("初始化 snowflake 节点失败: %w", nodeErr)
	}
	return nil
}

// NewID 生成一个按时间递增的 ID，用于扰动和决策记录
// 未显式初始化时使用节点 1
func NewID() int64 {
	if err := InitIDs(1); err != nil {
		panic(err)
	}
	return node.Generate().Int64()
}

// NewIDString 以字符串形式返回 NewID
func NewIDString() string {
	if node == nil {
		_ = InitIDs(1)
	}
	return node.Generate().String()
}
