package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dShard/lib/bucket"
	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// ErrClientClosed is returned by a ClusterClient after Shutdown
var ErrClientClosed = errors.New("cluster client closed")

// ClusterClient owns the shards of one cluster and gates their identify.
// Managed by a manager every identify is admitted through IDENTIFY_REQUEST,
// standalone the client owns one bucket per ratelimit key.
type ClusterClient struct {
	config  common.ChildConfig
	factory gateway.SocketFactory
	channel *client.Channel
	managed bool

	// standalone only
	buckets []bucket.IBucket

	waiters *IdentifyWaiters
	states  *xsync.MapOf[int, shards.Status]

	mu      sync.Mutex
	sockets []gateway.ISocket

	timers        gometrics.Registry
	identifyTimer gometrics.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	runOnce   sync.Once
	readyCh   chan struct{}
	readyOnce sync.Once
}

// NewClusterClient creates the client of a cluster. The client is managed if
// the configuration says so and a channel to the manager is given.
func NewClusterClient(config common.ChildConfig, factory gateway.SocketFactory, channel *client.Channel) *ClusterClient {
	ctx, cancel := context.WithCancel(context.Background())
	timers := gometrics.NewRegistry()
	c := &ClusterClient{
		config:        config,
		factory:       factory,
		channel:       channel,
		managed:       config.Managed && channel != nil,
		waiters:       NewIdentifyWaiters(),
		states:        xsync.NewMapOf[int, shards.Status](),
		timers:        timers,
		identifyTimer: gometrics.GetOrRegisterTimer("identify.admission", timers),
		ctx:           ctx,
		cancel:        cancel,
		readyCh:       make(chan struct{}),
	}

	if !c.managed {
		c.buckets = make([]bucket.IBucket, max(config.MaxConcurrency, 1))
		for key := range c.buckets {
			c.buckets[key] = bucket.NewBucket(1, config.LaunchDelay, true)
		}
	}
	return c
}

// Run creates and connects the sockets of all shards and blocks until every
// shard is ready. Run must only be called once.
func (c *ClusterClient) Run(ctx context.Context) error {
	r := c.Range()
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("cluster client is already running")
	}
	if c.closed.Load() {
		return ErrClientClosed
	}

	sockets := make([]gateway.ISocket, 0, r.Len())
	for _, id := range r.ShardIDs() {
		s := c.factory(id, c.config.ShardCount, c.config.Token)
		s.OnIdentifyCheck(func() bool {
			go c.admit(s)
			return false
		})
		s.OnState(func(status shards.Status) {
			c.handleState(id, status)
		})
		sockets = append(sockets, s)
		c.states.Store(id, shards.StatusIdle)
	}
	c.mu.Lock()
	c.sockets = sockets
	c.mu.Unlock()

	mode := "standalone"
	if c.managed {
		mode = "managed"
	}
	Logger.Infof("Cluster %d connecting shards %d-%d (%s)", c.config.ClusterID, r.ShardStart, r.ShardEnd, mode)

	for _, s := range sockets {
		if err := s.Connect(ctx, c.config.GatewayURL); err != nil {
			return fmt.Errorf("shard %d: failed to connect: %w", s.ShardID(), err)
		}
	}

	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

// Shutdown kills all sockets and rejects pending identify admissions
func (c *ClusterClient) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	for _, b := range c.buckets {
		b.Clear()
	}
	c.waiters.RejectAll(ErrClientClosed)

	c.mu.Lock()
	sockets := c.sockets
	c.mu.Unlock()
	for _, s := range sockets {
		s.Kill(ErrClientClosed)
	}
}

// Range returns the shard range of the cluster
func (c *ClusterClient) Range() shards.Range {
	return shards.Range{
		ClusterID:  c.config.ClusterID,
		ShardStart: c.config.ShardStart,
		ShardEnd:   c.config.ShardEnd,
		ShardCount: c.config.ShardCount,
	}
}

// Managed reports whether identify admission goes through the manager
func (c *ClusterClient) Managed() bool {
	return c.managed
}

// Ready is closed once every shard reported ready
func (c *ClusterClient) Ready() <-chan struct{} {
	return c.readyCh
}

// ShardStates returns the current state of every shard
func (c *ClusterClient) ShardStates() map[int]shards.Status {
	states := make(map[int]shards.Status)
	c.states.Range(func(id int, status shards.Status) bool {
		states[id] = status
		return true
	})
	return states
}

// IdentifyStats returns the admission latency of all identifies so far
func (c *ClusterClient) IdentifyStats() map[string]TimerStats {
	return timerStats(c.timers)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// admit waits for the identify grant of a socket and identifies it
func (c *ClusterClient) admit(s gateway.ISocket) {
	id := s.ShardID()
	if c.closed.Load() {
		return
	}

	w := c.waiters.Add(id)
	c.handleState(id, shards.StatusWaiting)
	start := time.Now()

	if err := c.requestGrant(w); err != nil {
		// a superseded waiter is dropped silently
		if !c.waiters.Settle(w, err) || c.closed.Load() {
			return
		}
		if errors.Is(err, ErrRequestTimeout) {
			Logger.Warningf("Shard %d: identify grant timed out, requesting again", id)
			go c.admit(s)
			return
		}
		Logger.Errorf("Shard %d: identify not granted: %v", id, err)
		s.Kill(err)
		return
	}

	if w.Settled() {
		Logger.Debugf("Shard %d: dropping grant of a superseded identify", id)
		return
	}
	c.identifyTimer.UpdateSince(start)

	if err := s.Identify(); err != nil {
		c.waiters.Settle(w, err)
		Logger.Errorf("Shard %d: identify failed: %v", id, err)
	}
}

// requestGrant blocks until the identify of the waiter's shard is admitted
func (c *ClusterClient) requestGrant(w *IdentifyWaiter) error {
	if c.managed {
		ctx, cancel := withTimeout(c.ctx, c.config.IdentifyTimeout)
		defer cancel()

		resp, err := c.channel.Invoke(ctx, &common.IdentifyRequest{ShardID: w.ShardID})
		if err != nil {
			return requestError(c.config.ClusterID, err)
		}
		if grant := resp.(*common.IdentifyGrant); grant.ShardID != w.ShardID {
			return fmt.Errorf("shard %d: got grant for shard %d", w.ShardID, grant.ShardID)
		}
		return nil
	}

	granted := make(chan struct{})
	key := shards.RatelimitKey(w.ShardID, c.config.MaxConcurrency)
	c.buckets[key].Add(func() error {
		if !w.Settled() {
			close(granted)
		}
		return nil
	}, false)

	select {
	case <-granted:
		return nil
	case <-w.Done():
		return w.Wait(c.ctx)
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

// handleState records a shard state change and reports it to the manager
func (c *ClusterClient) handleState(id int, status shards.Status) {
	c.states.Store(id, status)
	Logger.Debugf("Shard %d is %s", id, status)

	if c.managed {
		if err := c.channel.Send(&common.ShardState{ShardID: id, State: status}); err != nil && !c.closed.Load() {
			Logger.Warningf("Failed to report state of shard %d: %v", id, err)
		}
	}

	switch status {
	case shards.StatusReady:
		c.waiters.Resolve(id)
		if c.allReady() {
			c.readyOnce.Do(func() {
				Logger.Infof("All shards of cluster %d are ready", c.config.ClusterID)
				close(c.readyCh)
			})
		}
	case shards.StatusClosed:
		c.waiters.Reject(id, fmt.Errorf("shard %d: %w", id, gateway.ErrSocketClosed))
	}
}

// allReady reports whether every shard of the range is ready
func (c *ClusterClient) allReady() bool {
	for id := c.config.ShardStart; id <= c.config.ShardEnd; id++ {
		if status, _ := c.states.Load(id); status != shards.StatusReady {
			return false
		}
	}
	return true
}
