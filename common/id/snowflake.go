package id

import (
	"hash/fnv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID. Each worker
// process should use a distinct node ID so event ids stay unique fleet-wide.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a time-ordered int64 ID, used to tag connection events.
func New() int64 {
	return node.Generate().Int64()
}

// NodeForWorker maps a worker identity onto the snowflake node space, so
// fleet members draw ids from distinct sequences without coordinating node
// numbers.
func NodeForWorker(workerID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(workerID))
	nodes := int64(1) << snowflake.NodeBits
	return int64(h.Sum32()) % nodes
}
