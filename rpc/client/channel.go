package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/ValentinKolb/dShard/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var (
	Logger = logger.GetLogger("ipc")
)

// ErrRemote is wrapped by errors the other side reported in an error reply
var ErrRemote = errors.New("remote error")

// IMessageHandler receives the decoded messages of a channel
type IMessageHandler interface {
	// HandleRequest returns the reply payload. A returned error is sent back
	// as an error reply.
	HandleRequest(ctx context.Context, p common.Payload) (common.Payload, error)
	// HandleNotify handles a notification. Notifications arrive in order.
	HandleNotify(p common.Payload)
}

// Channel is a typed view of a peer connection. It owns the serialization and
// validation of messages and records the round trip time of every request.
type Channel struct {
	peer       transport.IPeer
	serializer serializer.IRPCSerializer
	timers     gometrics.Registry
}

// NewChannel wraps an established peer
func NewChannel(peer transport.IPeer, serializer serializer.IRPCSerializer) *Channel {
	return &Channel{
		peer:       peer,
		serializer: serializer,
		timers:     gometrics.NewRegistry(),
	}
}

// Dial connects to the manager and authenticates with the configured secret
func Dial(config common.IPCConfig, clusterID int, t transport.IRPCClientTransport, s serializer.IRPCSerializer) (*Channel, error) {
	if clusterID < 0 {
		return nil, fmt.Errorf("invalid cluster id %d", clusterID)
	}
	peer, err := t.Connect(config, uint64(clusterID), []byte(config.Secret))
	if err != nil {
		return nil, err
	}
	return NewChannel(peer, s), nil
}

// ClusterID returns the cluster id of the connection
func (c *Channel) ClusterID() int {
	return int(c.peer.ClusterID())
}

// Serve starts reading from the connection and passes every valid message to
// the handler. Invalid messages are rejected at the boundary: requests get an
// error reply, notifications are logged and dropped.
func (c *Channel) Serve(h IMessageHandler) {
	c.peer.Start(
		func(req []byte) []byte {
			return c.handleRequest(h, req)
		},
		func(msg []byte) {
			p, err := c.decode(msg)
			if err != nil {
				Logger.Warningf("Dropping notification of cluster %d: %v", c.ClusterID(), err)
				return
			}
			if _, isRequest := p.Op().ResponseOp(); isRequest {
				Logger.Warningf("Dropping %s sent as notification by cluster %d", p.Op(), c.ClusterID())
				return
			}
			h.HandleNotify(p)
		},
	)
}

// Send sends a notification
func (c *Channel) Send(p common.Payload) error {
	data, err := c.encode(p)
	if err != nil {
		return err
	}
	return c.peer.Notify(data)
}

// Invoke sends a request and waits for the typed reply. It returns
// transport.ErrPeerClosed if the connection drops before the reply arrives.
func (c *Channel) Invoke(ctx context.Context, p common.Payload) (common.Payload, error) {
	expected, ok := p.Op().ResponseOp()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a request", common.ErrInvalidMessage, p.Op())
	}

	data, err := c.encode(p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBytes, err := c.peer.Request(ctx, data)
	if err != nil {
		return nil, err
	}
	gometrics.GetOrRegisterTimer(p.Op().String(), c.timers).UpdateSince(start)

	// Deserialize the response
	var resp common.Message
	if err := c.serializer.Deserialize(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidMessage, err)
	}

	// Check if the response is an error response
	if resp.Op == common.OpError {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Err)
	}

	// Check if the type of the response is the expected type
	if resp.Op != expected {
		return nil, fmt.Errorf("%w: unexpected reply %s, expected %s", common.ErrInvalidMessage, resp.Op, expected)
	}

	return resp.Decode()
}

// Close closes the connection and rejects all pending requests
func (c *Channel) Close() error {
	return c.peer.Close()
}

// Done is closed once the connection is gone
func (c *Channel) Done() <-chan struct{} {
	return c.peer.Done()
}

// Err returns the reason the connection is gone
func (c *Channel) Err() error {
	return c.peer.Err()
}

// RequestStats summarizes the round trip times of one request type
type RequestStats struct {
	Op    string  `json:"op"`
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Stats returns the round trip statistics of all requests sent so far
func (c *Channel) Stats() []RequestStats {
	stats := make([]RequestStats, 0)
	c.timers.Each(func(name string, i interface{}) {
		timer, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		snap := timer.Snapshot()
		stats = append(stats, RequestStats{
			Op:    name,
			Count: snap.Count(),
			Mean:  snap.Mean() / float64(time.Millisecond),
			P99:   snap.Percentile(0.99) / float64(time.Millisecond),
			Max:   float64(snap.Max()) / float64(time.Millisecond),
		})
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Op < stats[j].Op })
	return stats
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleRequest decodes a request, runs the handler and encodes the reply
func (c *Channel) handleRequest(h IMessageHandler, req []byte) []byte {
	respMsg := func() *common.Message {
		p, err := c.decode(req)
		if err != nil {
			return common.NewErrorMessage(err.Error())
		}
		expected, ok := p.Op().ResponseOp()
		if !ok {
			return common.NewErrorMessage(fmt.Sprintf("%s is not a request", p.Op()))
		}

		// cancelled when the connection drops
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.peer.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		resp, err := h.HandleRequest(ctx, p)
		if err != nil {
			return common.NewErrorMessage(err.Error())
		}
		if resp == nil || resp.Op() != expected {
			return common.NewErrorMessage(fmt.Sprintf("handler returned no %s", expected))
		}
		msg, err := common.NewMessage(resp)
		if err != nil {
			return common.NewErrorMessage(err.Error())
		}
		return msg
	}()

	// Return result
	val, err := c.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("Failed to serialize reply: %v", err)
		val, _ = c.serializer.Serialize(*common.NewErrorMessage(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

// encode validates and serializes a payload
func (c *Channel) encode(p common.Payload) ([]byte, error) {
	msg, err := common.NewMessage(p)
	if err != nil {
		return nil, err
	}
	return c.serializer.Serialize(*msg)
}

// decode deserializes and validates a message
func (c *Channel) decode(b []byte) (common.Payload, error) {
	var msg common.Message
	if err := c.serializer.Deserialize(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidMessage, err)
	}
	return msg.Decode()
}
