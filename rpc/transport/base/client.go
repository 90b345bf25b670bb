package base

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/transport"
)

// connectAttempts is the number of dial attempts before Connect gives up. The
// manager binds its endpoint before spawning, so retries only cover slow
// listener setup.
const connectAttempts = 5

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.IPCConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector IClientConnector
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.IPCConfig, clusterID uint64, hello []byte) (transport.IPeer, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint provided")
	}

	var lastErr error

	// Initial backoff duration in milliseconds
	backoffMs := 50

	for i := 0; i < connectAttempts; i++ {
		conn, err := t.dial(config)
		if err == nil {
			p := newPeer(conn, clusterID, config.WriteTimeout)
			if err := p.write(frame{clusterID: clusterID, kind: kindHello, data: hello}); err != nil {
				return nil, fmt.Errorf("failed to send hello frame: %w", err)
			}
			Logger.Infof("Connected to %s using %s transport", config.Endpoint, t.connector.GetName())
			return p, nil
		}

		lastErr = err
		Logger.Debugf("Connect attempt %d/%d failed: %v", i+1, connectAttempts, err)

		if i < connectAttempts-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %v", config.Endpoint, connectAttempts, lastErr)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dial connects to the endpoint and applies the protocol-specific settings
func (t *clientTransport) dial(config common.IPCConfig) (net.Conn, error) {
	conn, err := t.connector.Connect(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", config.Endpoint, err)
	}

	if err := t.connector.UpgradeConnection(conn, config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", config.Endpoint, err)
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Pipe (in-memory peers)
// --------------------------------------------------------------------------

// NewPipe returns two connected peers backed by net.Pipe, skipping the hello
// frame. Both peers still need Start.
func NewPipe(clusterID uint64) (transport.IPeer, transport.IPeer) {
	a, b := net.Pipe()
	return newPeer(a, clusterID, 0), newPeer(b, clusterID, 0)
}
