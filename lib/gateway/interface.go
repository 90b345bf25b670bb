package gateway

import (
	"context"
	"encoding/json"

	"github.com/ValentinKolb/dShard/lib/shards"
)

// ISocket is the part of a gateway shard connection the cluster layer needs.
// The wire protocol itself lives behind this interface.
type ISocket interface {
	// ShardID returns the shard this socket connects
	ShardID() int

	// Connect opens the connection. Before identifying, the socket asks the
	// identify check hook; if the hook returns false the socket waits for an
	// explicit Identify call.
	Connect(ctx context.Context, url string) error

	// Identify sends the identify handshake
	Identify() error

	// Kill closes the socket with the given reason
	Kill(err error)

	// OnIdentifyCheck installs the admission hook. Returning true lets the
	// socket identify on its own.
	OnIdentifyCheck(hook func() bool)

	// OnState installs the state listener
	OnState(listener func(status shards.Status))

	// Status returns the current state
	Status() shards.Status
}

// SocketFactory creates the socket for one shard
type SocketFactory func(shardID, shardCount int, token string) ISocket

// ApplicationCommand is an application command definition as persisted by Discord
type ApplicationCommand struct {
	ID            string          `json:"id,omitempty"`
	ApplicationID string          `json:"application_id,omitempty"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Type          int             `json:"type,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
}

// ICommandRegistry is the local interaction command registry of a cluster
type ICommandRegistry interface {
	// Definitions returns the locally defined commands that should be uploaded
	Definitions() []ApplicationCommand

	// BulkReplace replaces the persisted command set
	BulkReplace(commands []ApplicationCommand)

	// List returns the persisted command set sorted by name
	List() []ApplicationCommand
}
