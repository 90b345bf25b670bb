package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/ValentinKolb/dShard/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("ipc")

var (
	// ErrUnexpectedCluster is returned for connections nobody waits for
	ErrUnexpectedCluster = errors.New("no process expects this cluster")
	// ErrBadSecret is returned for connections with a wrong hello secret
	ErrBadSecret = errors.New("bad ipc secret")
)

// IPCServer accepts the connections of spawned children. The manager announces
// every spawn with Expect, the child's connection is then handed to exactly
// that caller. A connection for a cluster nobody expects is rejected, so a
// stale child of a previous spawn can never take over a new process record.
//
// Usage:
//
//	s := server.NewIPCServer(config.IPC, unix.NewUnixServerTransport(), serializer.NewJSONSerializer())
//	if err := s.Listen(); err != nil {
//		panic(err)
//	}
//	ch := s.Expect(clusterID)
//	// spawn the child with s.Endpoint() ...
//	channel := <-ch
type IPCServer struct {
	config     common.IPCConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	waiting    *xsync.MapOf[uint64, chan *client.Channel]
}

// NewIPCServer creates a new IPC server
func NewIPCServer(
	config common.IPCConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *IPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &IPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		waiting:    xsync.NewMapOf[uint64, chan *client.Channel](),
	}
}

// Listen binds the endpoint, connections are accepted in the background
func (s *IPCServer) Listen() error {
	return s.transport.Listen(s.config, s.accept)
}

// Endpoint returns the bound endpoint children have to dial
func (s *IPCServer) Endpoint() string {
	return s.transport.Addr()
}

// Serializer returns the serializer children have to use
func (s *IPCServer) Serializer() serializer.IRPCSerializer {
	return s.serializer
}

// Expect registers interest in the next connection of a cluster. A previous
// registration for the same cluster is replaced.
func (s *IPCServer) Expect(clusterID int) <-chan *client.Channel {
	ch := make(chan *client.Channel, 1)
	s.waiting.Store(uint64(clusterID), ch)
	return ch
}

// Forget drops a registration, a connection arriving later is rejected
func (s *IPCServer) Forget(clusterID int, ch <-chan *client.Channel) {
	s.waiting.Compute(uint64(clusterID), func(old chan *client.Channel, loaded bool) (chan *client.Channel, bool) {
		// delete only the registration of the caller
		if !loaded || (<-chan *client.Channel)(old) != ch {
			return old, !loaded
		}
		return nil, true
	})
}

// Close stops accepting connections
func (s *IPCServer) Close() error {
	return s.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// accept authenticates a new peer and hands it to the waiting process
func (s *IPCServer) accept(peer transport.IPeer, hello []byte) error {
	if subtle.ConstantTimeCompare(hello, []byte(s.config.Secret)) != 1 {
		return ErrBadSecret
	}

	ch, ok := s.waiting.LoadAndDelete(peer.ClusterID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnexpectedCluster, peer.ClusterID())
	}

	ch <- client.NewChannel(peer, s.serializer)
	return nil
}
