package cluster

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dShard/lib/shards"
)

// EventType names a lifecycle transition of the fleet
type EventType string

const (
	EventSpawned    EventType = "spawned"
	EventReady      EventType = "ready"
	EventExited     EventType = "exited"
	EventRespawning EventType = "respawning"
	EventShardState EventType = "shard_state"
)

// Event is emitted by the manager for every lifecycle transition
type Event struct {
	Type      EventType
	ClusterID int
	Time      time.Time

	// ShardID and State are set for EventShardState
	ShardID int
	State   shards.Status

	// Err is set for EventExited when the process did not exit cleanly
	Err error
}

func (e Event) String() string {
	switch e.Type {
	case EventShardState:
		return fmt.Sprintf("cluster %d: shard %d is %s", e.ClusterID, e.ShardID, e.State)
	case EventExited:
		if e.Err != nil {
			return fmt.Sprintf("cluster %d: exited: %v", e.ClusterID, e.Err)
		}
		return fmt.Sprintf("cluster %d: exited", e.ClusterID)
	default:
		return fmt.Sprintf("cluster %d: %s", e.ClusterID, e.Type)
	}
}
