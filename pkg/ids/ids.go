package ids

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out time-ordered ids that are unique for the lifetime of the process (and across
// processes configured with distinct node ids).
type Generator struct {
	node *snowflake.Node
}

func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// Next returns a new id rendered as a decimal string.
func (g *Generator) Next() string {
	return g.node.Generate().String()
}

// NewKey returns a short shareable workspace key.
func (g *Generator) NewKey() string {
	return g.node.Generate().Base36()
}
