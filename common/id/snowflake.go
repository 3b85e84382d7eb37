// Package id issues job IDs: snowflakes rendered in base 10, so they sort by
// issue time. Every process that enqueues must run on its own node.
package id

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init binds the generator to nodeID, which must be in [0, 1023].
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NewString returns a fresh job ID. Without Init it uses node 0.
func NewString() string {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(0)
	}
	n := node
	mu.Unlock()
	return n.Generate().String()
}

// IssuedAt recovers the time a job ID was generated.
func IssuedAt(jobID string) (time.Time, error) {
	parsed, err := snowflake.ParseString(jobID)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing job id %q: %w", jobID, err)
	}
	return time.UnixMilli(parsed.Time()).UTC(), nil
}
