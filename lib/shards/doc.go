// Package shards implements the arithmetic that decides which OS process owns
// which gateway shard and which identify ratelimit key a shard belongs to.
//
// The package focuses on:
//   - Partitioning a contiguous shard interval into cluster ranges
//   - Mapping shard ids onto ratelimit keys (shardId % maxConcurrency)
//   - The per-shard connection status shared by the child and the manager
//
// Key Components:
//
//   - Range: An immutable, inclusive shard interval bound to one cluster.
//
//   - Partition: Splits [shardStart, shardEnd] into ceil(n / shardsPerCluster)
//     ranges without gaps or overlaps.
//
//   - Status: The per-shard state machine
//     idle -> waiting-for-grant -> identifying -> ready (-> closed).
package shards
