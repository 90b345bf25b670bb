package shards

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Shard Range
// --------------------------------------------------------------------------

// Range is the inclusive shard interval owned by one cluster.
// ShardCount is the total number of shards of the application, not the
// number of shards in the range.
type Range struct {
	ClusterID  int `json:"cluster_id"`
	ShardStart int `json:"shard_start"`
	ShardEnd   int `json:"shard_end"`
	ShardCount int `json:"shard_count"`
}

// Len returns the number of shards in the range
func (r Range) Len() int {
	return r.ShardEnd - r.ShardStart + 1
}

// Contains reports whether shardID is part of the range
func (r Range) Contains(shardID int) bool {
	return shardID >= r.ShardStart && shardID <= r.ShardEnd
}

// ShardIDs returns all shard ids of the range in ascending order
func (r Range) ShardIDs() []int {
	ids := make([]int, 0, r.Len())
	for id := r.ShardStart; id <= r.ShardEnd; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks that the range is well-formed
func (r Range) Validate() error {
	if r.ShardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", r.ShardCount)
	}
	if r.ShardStart < 0 || r.ShardEnd < r.ShardStart || r.ShardEnd >= r.ShardCount {
		return fmt.Errorf("malformed shard range [%d, %d] for %d shards", r.ShardStart, r.ShardEnd, r.ShardCount)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("cluster %d [%d-%d]/%d", r.ClusterID, r.ShardStart, r.ShardEnd, r.ShardCount)
}

// --------------------------------------------------------------------------
// Partitioning
// --------------------------------------------------------------------------

// ClusterCount returns ceil(shards / shardsPerCluster)
func ClusterCount(shards, shardsPerCluster int) int {
	if shards <= 0 || shardsPerCluster <= 0 {
		return 0
	}
	return (shards + shardsPerCluster - 1) / shardsPerCluster
}

// Partition splits [shardStart, shardEnd] into consecutive ranges of at most
// shardsPerCluster shards. Cluster ids are assigned from 0 in ascending order.
func Partition(shardStart, shardEnd, shardCount, shardsPerCluster int) ([]Range, error) {
	if shardsPerCluster < 1 {
		return nil, fmt.Errorf("shards per cluster must be at least 1, got %d", shardsPerCluster)
	}
	bounds := Range{ShardStart: shardStart, ShardEnd: shardEnd, ShardCount: shardCount}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, ClusterCount(bounds.Len(), shardsPerCluster))
	for start, clusterID := shardStart, 0; start <= shardEnd; start, clusterID = start+shardsPerCluster, clusterID+1 {
		ranges = append(ranges, Range{
			ClusterID:  clusterID,
			ShardStart: start,
			ShardEnd:   min(start+shardsPerCluster-1, shardEnd),
			ShardCount: shardCount,
		})
	}
	return ranges, nil
}

// RatelimitKey returns the identify bucket a shard belongs to. Shards sharing
// a key must never identify concurrently.
func RatelimitKey(shardID, maxConcurrency int) int {
	if maxConcurrency <= 1 {
		return 0
	}
	return shardID % maxConcurrency
}

// --------------------------------------------------------------------------
// Shard Status
// --------------------------------------------------------------------------

// Status is the connection state of a single shard
type Status string

const (
	StatusIdle        Status = "idle"
	StatusWaiting     Status = "waiting-for-grant"
	StatusIdentifying Status = "identifying"
	StatusReady       Status = "ready"
	StatusClosed      Status = "closed"
)

// Valid reports whether s is one of the known states
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWaiting, StatusIdentifying, StatusReady, StatusClosed:
		return true
	default:
		return false
	}
}
