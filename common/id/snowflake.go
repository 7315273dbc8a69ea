package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node    *snowflake.Node
	initErr error
	once    sync.Once

	fallback     *snowflake.Node
	fallbackOnce sync.Once
)

// Init initializes the Snowflake node with the given node ID. Only the first
// call takes effect; later calls return the first call's error.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// New generates a new time-ordered int64 ID. Used to tag staleness scan
// passes so their log lines can be grouped. Uses node 0 when Init was never
// called or failed.
func New() int64 {
	if Init(0) == nil && node != nil {
		return node.Generate().Int64()
	}
	fallbackOnce.Do(func() {
		fallback, _ = snowflake.NewNode(0)
	})
	return fallback.Generate().Int64()
}
