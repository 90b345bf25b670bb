package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dShard/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// peer implements transport.IPeer on top of a single net connection
type peer struct {
	conn         net.Conn
	clusterID    uint64
	writeTimeout time.Duration

	nextNonce    uint64 // Atomic counter for unique request nonces
	requestChans *xsync.MapOf[uint64, chan responseResult]
	writeMu      sync.Mutex // Protects writes to the connection

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// newPeer wraps an established connection
func newPeer(conn net.Conn, clusterID uint64, writeTimeout time.Duration) *peer {
	return &peer{
		conn:         conn,
		clusterID:    clusterID,
		writeTimeout: writeTimeout,
		requestChans: xsync.NewMapOf[uint64, chan responseResult](),
		done:         make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IPeer)
// --------------------------------------------------------------------------

func (p *peer) ClusterID() uint64 {
	return p.clusterID
}

func (p *peer) Notify(data []byte) error {
	return p.write(frame{clusterID: p.clusterID, kind: kindNotify, data: data})
}

func (p *peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	nonce := atomic.AddUint64(&p.nextNonce, 1)

	// Register the request before writing, the reply may arrive immediately
	respCh := make(chan responseResult, 1)
	p.requestChans.Store(nonce, respCh)
	defer p.requestChans.Delete(nonce)

	// close() closes done before it rejects the pending requests, so a request
	// registered after that point must notice the closed peer here
	select {
	case <-p.done:
		return nil, p.closedErr()
	default:
	}

	if err := p.write(frame{clusterID: p.clusterID, nonce: nonce, kind: kindRequest, data: data}); err != nil {
		return nil, err
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *peer) Start(onRequest transport.RequestHandleFunc, onNotify transport.NotifyHandleFunc) {
	p.startOnce.Do(func() {
		go p.readLoop(onRequest, onNotify)
	})
}

func (p *peer) Close() error {
	p.close(transport.ErrPeerClosed)
	return nil
}

func (p *peer) Done() <-chan struct{} {
	return p.done
}

func (p *peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readLoop reads frames until the connection fails. Requests are handled in
// their own goroutine, notifications in order on the read goroutine.
func (p *peer) readLoop(onRequest transport.RequestHandleFunc, onNotify transport.NotifyHandleFunc) {
	for {
		f, err := readFrame(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Connection of cluster %d closed", p.clusterID)
				p.close(transport.ErrPeerClosed)
			} else {
				Logger.Warningf("Error reading from cluster %d: %v", p.clusterID, err)
				p.close(fmt.Errorf("%w: %v", transport.ErrPeerClosed, err))
			}
			return
		}

		switch f.kind {
		case kindResponse:
			if respCh, found := p.requestChans.LoadAndDelete(f.nonce); found {
				respCh <- responseResult{data: f.data}
			} else {
				// the requester gave up (context done) before the reply arrived
				Logger.Debugf("Dropping reply for unknown nonce %d of cluster %d", f.nonce, p.clusterID)
			}

		case kindRequest:
			go p.handleRequest(onRequest, f)

		case kindNotify:
			if onNotify != nil {
				onNotify(f.data)
			}

		default:
			Logger.Errorf("Unexpected %s frame from cluster %d", f.kind, p.clusterID)
			p.close(fmt.Errorf("%w: unexpected %s frame", transport.ErrPeerClosed, f.kind))
			return
		}
	}
}

// handleRequest runs the request handler and writes the reply
func (p *peer) handleRequest(onRequest transport.RequestHandleFunc, f frame) {
	if onRequest == nil {
		Logger.Warningf("No request handler registered, dropping request %d of cluster %d", f.nonce, p.clusterID)
		return
	}

	start := time.Now()
	resp := onRequest(f.data)
	Logger.Debugf("Processed request %d of cluster %d took %s", f.nonce, p.clusterID, time.Since(start))

	if err := p.write(frame{clusterID: p.clusterID, nonce: f.nonce, kind: kindResponse, data: resp}); err != nil {
		Logger.Warningf("Failed to write reply %d to cluster %d: %v", f.nonce, p.clusterID, err)
	}
}

// write writes a single frame, serialized with all other writers
func (p *peer) write(f frame) error {
	select {
	case <-p.done:
		return p.closedErr()
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %v", err)
		}
	}

	if err := writeFrame(p.conn, f); err != nil {
		// a broken write leaves the stream in an unknown state
		p.close(fmt.Errorf("%w: %v", transport.ErrPeerClosed, err))
		return p.closedErr()
	}
	return nil
}

// close tears the connection down and rejects all pending requests
func (p *peer) close(reason error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = reason
		p.errMu.Unlock()

		close(p.done)
		_ = p.conn.Close()

		p.requestChans.Range(func(nonce uint64, _ chan responseResult) bool {
			// the read loop may deliver a reply concurrently, only one side wins
			if respCh, found := p.requestChans.LoadAndDelete(nonce); found {
				respCh <- responseResult{err: reason}
			}
			return true
		})
	})
}

// closedErr returns the close reason, it always wraps transport.ErrPeerClosed
func (p *peer) closedErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return transport.ErrPeerClosed
}
