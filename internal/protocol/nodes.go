package protocol

import (
	"fmt"
	"slices"
	"strconv"
)

// NodeID identifies one control component. Valid ids are 1..N.
type NodeID int

// String returns the decimal form used in headers and subjects.
func (id NodeID) String() string {
	return strconv.Itoa(int(id))
}

// Valid reports whether id belongs to a quorum of size n.
func (id NodeID) Valid(n int) bool {
	return id >= 1 && int(id) <= n
}

// ParseNodeID parses the header form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID(v), nil
}

// Nodes returns the full node set {1..n} in ascending order.
func Nodes(n int) []NodeID {
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = NodeID(i + 1)
	}
	return ids
}

// IsFullSet reports whether ids contains every node of a quorum of size n
// exactly once.
func IsFullSet(ids []NodeID, n int) bool {
	if len(ids) != n {
		return false
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	for i, id := range sorted {
		if id != NodeID(i+1) {
			return false
		}
	}
	return true
}
