package base

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/transport"
)

// helloTimeout bounds the time between accept and the hello frame
const helloTimeout = 10 * time.Second

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.IPCConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.IPCConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	config    common.IPCConfig
	onConnect transport.ConnectHandleFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the specified connector
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) Listen(config common.IPCConfig, onConnect transport.ConnectHandleFunc) error {
	if onConnect == nil {
		return fmt.Errorf("no connect handler provided")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("%s server already listening on %s", t.connector.GetName(), t.listener.Addr())
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.config = config
	t.onConnect = onConnect
	t.listener = listener

	Logger.Infof("Starting %s ipc server on %s", t.connector.GetName(), listener.Addr())

	go t.acceptLoop(listener)
	return nil
}

func (t *serverTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.listener == nil {
		return nil
	}
	t.closed = true
	return t.listener.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the listener is closed
func (t *serverTransport) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				Logger.Infof("Stopped accepting connections on %s", listener.Addr())
				return
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		// Handle the handshake in a goroutine
		go t.handleConnection(conn)
	}
}

// handleConnection waits for the hello frame and passes the peer on
func (t *serverTransport) handleConnection(conn net.Conn) {
	if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
		Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		Logger.Errorf("Failed to set read deadline: %v", err)
		_ = conn.Close()
		return
	}

	hello, err := readFrame(conn)
	if err != nil {
		Logger.Warningf("Failed to read hello frame: %v", err)
		_ = conn.Close()
		return
	}
	if hello.kind != kindHello {
		Logger.Warningf("Expected hello frame, got %s frame", hello.kind)
		_ = conn.Close()
		return
	}

	// clear the deadline, an idle child is fine
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		Logger.Errorf("Failed to clear read deadline: %v", err)
		_ = conn.Close()
		return
	}

	p := newPeer(conn, hello.clusterID, t.config.WriteTimeout)
	if err := t.onConnect(p, hello.data); err != nil {
		Logger.Warningf("Rejected connection of cluster %d: %v", hello.clusterID, err)
		_ = p.Close()
		return
	}
	Logger.Debugf("Accepted connection of cluster %d", hello.clusterID)
}
