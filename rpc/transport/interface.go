package transport

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dShard/rpc/common"
)

// ErrPeerClosed is returned for every request that is pending or issued after
// the connection to the peer is gone
var ErrPeerClosed = errors.New("peer closed")

// --------------------------------------------------------------------------
// Peer
// --------------------------------------------------------------------------

// RequestHandleFunc handles an incoming request and returns the reply
type RequestHandleFunc func(req []byte) (resp []byte)

// NotifyHandleFunc handles an incoming notification. Notifications of one peer
// are delivered in order and one at a time.
type NotifyHandleFunc func(msg []byte)

// IPeer is one end of an established manager<->child connection. Both sides
// may send notifications and requests at any time.
type IPeer interface {
	// ClusterID returns the cluster id announced in the hello frame
	ClusterID() uint64
	// Notify sends a message that expects no reply
	Notify(data []byte) error
	// Request sends a message and waits for the reply with the same nonce.
	// It returns ErrPeerClosed if the connection drops before the reply
	// arrives and the context error if ctx is done first.
	Request(ctx context.Context, data []byte) (resp []byte, err error)
	// Start begins reading from the connection. Frames that arrive before
	// Start stay in the socket buffer.
	Start(onRequest RequestHandleFunc, onNotify NotifyHandleFunc)
	// Close closes the connection and rejects all pending requests
	Close() error
	// Done is closed once the connection is gone
	Done() <-chan struct{}
	// Err returns the reason the connection is gone, nil while it is open
	Err() error
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ConnectHandleFunc is called for every connection that sent a valid hello
// frame. Returning an error closes the connection.
type ConnectHandleFunc func(peer IPeer, hello []byte) error

// IRPCServerTransport is the manager side of the transport layer
type IRPCServerTransport interface {
	// Listen binds the endpoint and accepts connections in the background
	Listen(config common.IPCConfig, onConnect ConnectHandleFunc) error
	// Addr returns the bound endpoint, useful when listening on port 0
	Addr() string
	// Close stops accepting connections. Established peers stay open.
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the child side of the transport layer
type IRPCClientTransport interface {
	// Connect dials the manager and sends the hello frame
	Connect(config common.IPCConfig, clusterID uint64, hello []byte) (IPeer, error)
}
