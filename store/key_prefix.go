package store

import "encoding/binary"

// Every key is scoped to one node id so several nodes can share a backend.
const (
	PrefixNode    = "node:"
	SuffixMeta    = ":meta"
	SuffixBlock   = ":blk:"
	SuffixPending = ":pending"
	SuffixStakes  = ":stakes"
)

func metaKey(nodeID string) []byte {
	return []byte(PrefixNode + nodeID + SuffixMeta)
}

func pendingKey(nodeID string) []byte {
	return []byte(PrefixNode + nodeID + SuffixPending)
}

func stakesKey(nodeID string) []byte {
	return []byte(PrefixNode + nodeID + SuffixStakes)
}

func blockPrefix(nodeID string) []byte {
	return []byte(PrefixNode + nodeID + SuffixBlock)
}

// blockKey appends the BigEndian index so keys sort by height.
func blockKey(nodeID string, index uint64) []byte {
	return binary.BigEndian.AppendUint64(blockPrefix(nodeID), index)
}
