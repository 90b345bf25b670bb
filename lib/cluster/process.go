package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
)

// connectionGrace is how long a process may live on after its IPC connection dropped
const connectionGrace = 5 * time.Second

// ClusterProcess is the manager side record of one spawned child. It owns the
// process handle and the IPC channel and answers the requests of the child.
// A ClusterProcess is used for exactly one spawn, a respawn creates a new one.
type ClusterProcess struct {
	Range shards.Range

	manager *ClusterManager

	mu       sync.Mutex
	proc     IProcess
	channel  *client.Channel
	ready    bool
	expected bool
	killed   bool

	startedAt time.Time
	readyCh   chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitOnce  sync.Once
	exitErr   error
}

func newClusterProcess(m *ClusterManager, r shards.Range) *ClusterProcess {
	return &ClusterProcess{
		Range:   r,
		manager: m,
		readyCh: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Run spawns the child and blocks until it reported READY. It fails if the
// spawn fails, the child exits first or READY does not arrive within the
// identify timeout. A child that misses the timeout is killed.
func (p *ClusterProcess) Run(ctx context.Context) error {
	m := p.manager
	id := p.Range.ClusterID
	p.startedAt = time.Now()

	conn := m.ipc.Expect(id)
	forget := func() {
		m.ipc.Forget(id, conn)
		// a connection routed in the meantime has no owner anymore
		select {
		case ch := <-conn:
			_ = ch.Close()
		default:
		}
	}

	cfg := m.childConfig(p.Range)
	proc, err := m.spawner.Spawn(ctx, cfg.Env())
	if err != nil {
		forget()
		err = fmt.Errorf("cluster %d: spawn failed: %w", id, err)
		p.finish(err)
		return err
	}

	p.mu.Lock()
	p.proc = proc
	killed := p.killed
	p.mu.Unlock()
	if killed {
		_ = proc.Kill()
	}

	Logger.Infof("Spawned cluster %d (pid %d) for shards %d-%d", id, proc.Pid(), p.Range.ShardStart, p.Range.ShardEnd)
	m.emit(Event{Type: EventSpawned, ClusterID: id})
	go p.watch(proc)

	waitCtx, cancel := withTimeout(ctx, m.config.IdentifyTimeout)
	defer cancel()

	// wait for the child to connect
	select {
	case ch := <-conn:
		if !p.attach(ch) {
			return fmt.Errorf("cluster %d: %w before connecting: %v", id, ErrProcessExited, p.exitErr)
		}
	case <-p.exited:
		forget()
		return fmt.Errorf("cluster %d: %w before connecting: %v", id, ErrProcessExited, p.exitErr)
	case <-waitCtx.Done():
		forget()
		return p.abort(ctx, "connection")
	}

	// wait for READY
	select {
	case <-p.readyCh:
		m.metrics.startup.UpdateSince(p.startedAt)
		return nil
	case <-p.exited:
		return fmt.Errorf("cluster %d: %w before ready: %v", id, ErrProcessExited, p.exitErr)
	case <-waitCtx.Done():
		return p.abort(ctx, "READY")
	}
}

// Send sends a notification to the child
func (p *ClusterProcess) Send(payload common.Payload) error {
	ch := p.Channel()
	if ch == nil {
		return fmt.Errorf("cluster %d: %w", p.Range.ClusterID, ErrNotReady)
	}
	if err := ch.Send(payload); err != nil {
		return requestError(p.Range.ClusterID, err)
	}
	return nil
}

// Eval runs the named evaluator in the child. The call fails with
// ErrProcessExited if the child exits before replying and with
// ErrRequestTimeout if it does not reply within the request timeout.
func (p *ClusterProcess) Eval(ctx context.Context, code string, args json.RawMessage) (*common.EvalResponse, error) {
	resp, err := p.invoke(ctx, &common.EvalRequest{Code: code, Args: args}, p.manager.config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return resp.(*common.EvalResponse), nil
}

// SendRestRequest executes an allow-listed REST method in the child and
// returns the JSON result. A REST failure in the child is returned as a
// *common.RemoteError.
func (p *ClusterProcess) SendRestRequest(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	resp, err := p.invoke(ctx, &common.RestRequest{Method: method, Args: args}, p.manager.config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	rr := resp.(*common.RestResponse)
	if rr.Error != nil {
		return nil, rr.Error.Rehydrate()
	}
	return rr.Result, nil
}

// Channel returns the IPC channel, nil until the child connected
func (p *ClusterProcess) Channel() *client.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// Ready reports whether the child sent READY and has not exited since
func (p *ClusterProcess) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Pid returns the process id, 0 before the spawn
func (p *ClusterProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return 0
	}
	return p.proc.Pid()
}

// Exited is closed once the process exited
func (p *ClusterProcess) Exited() <-chan struct{} {
	return p.exited
}

// Kill terminates the process. It is safe to call before the spawn finished.
func (p *ClusterProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.IMessageHandler)
// --------------------------------------------------------------------------

func (p *ClusterProcess) HandleRequest(ctx context.Context, payload common.Payload) (common.Payload, error) {
	m := p.manager
	switch req := payload.(type) {
	case *common.IdentifyRequest:
		if !p.Range.Contains(req.ShardID) {
			return nil, fmt.Errorf("shard %d is not owned by cluster %d", req.ShardID, p.Range.ClusterID)
		}
		return m.grantIdentify(ctx, req.ShardID)

	case *common.RestRequest:
		if m.forwarder == nil {
			return &common.RestResponse{Error: common.SerializeError(errors.New("manager has no rest client"), "")}, nil
		}
		ctx, cancel := withTimeout(ctx, m.config.RequestTimeout)
		defer cancel()
		result, err := m.forwarder.Call(ctx, req.Method, req.Args)
		if err != nil {
			Logger.Warningf("REST %s for cluster %d failed: %v", req.Method, p.Range.ClusterID, err)
			return &common.RestResponse{Error: common.SerializeError(err, "")}, nil
		}
		return &common.RestResponse{Result: result}, nil

	case *common.EvalRequest:
		return m.evals.Execute(ctx, req), nil

	default:
		return nil, fmt.Errorf("manager does not handle %s requests", payload.Op())
	}
}

func (p *ClusterProcess) HandleNotify(payload common.Payload) {
	m := p.manager
	id := p.Range.ClusterID
	switch msg := payload.(type) {
	case *common.Ready:
		if msg.ClusterID != id || msg.ShardStart != p.Range.ShardStart || msg.ShardEnd != p.Range.ShardEnd {
			Logger.Warningf("Cluster %d reported READY for cluster %d [%d-%d], expected %s",
				id, msg.ClusterID, msg.ShardStart, msg.ShardEnd, p.Range)
		}
		p.markReady()

	case *common.Close:
		p.mu.Lock()
		p.expected = true
		p.mu.Unlock()
		Logger.Infof("Cluster %d is closing: %s", id, msg.Reason)

	case *common.ShardState:
		if !p.Range.Contains(msg.ShardID) {
			Logger.Warningf("Cluster %d reported state of foreign shard %d", id, msg.ShardID)
			return
		}
		m.setShardState(id, msg.ShardID, msg.State)

	case *common.FillInteractionCommands:
		m.relayFill(id, msg)

	default:
		Logger.Warningf("Ignoring %s from cluster %d", payload.Op(), id)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// invoke sends a request bounded by timeout
func (p *ClusterProcess) invoke(ctx context.Context, payload common.Payload, timeout time.Duration) (common.Payload, error) {
	ch := p.Channel()
	if ch == nil {
		return nil, fmt.Errorf("cluster %d: %w", p.Range.ClusterID, ErrNotReady)
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	resp, err := ch.Invoke(ctx, payload)
	if err != nil {
		p.manager.metrics.ipcFailures.Inc()
		return nil, requestError(p.Range.ClusterID, err)
	}
	return resp, nil
}

// attach installs the channel of the connected child. Returns false if the
// process already exited.
func (p *ClusterProcess) attach(ch *client.Channel) bool {
	p.mu.Lock()
	select {
	case <-p.exited:
		p.mu.Unlock()
		_ = ch.Close()
		return false
	default:
	}
	p.channel = ch
	p.mu.Unlock()

	ch.Serve(p)
	Logger.Debugf("Cluster %d connected", p.Range.ClusterID)

	// a child without connection can not be reached anymore
	go func() {
		select {
		case <-ch.Done():
		case <-p.exited:
			return
		}
		timer := time.NewTimer(connectionGrace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			Logger.Warningf("Cluster %d lost its IPC connection (%v), killing it", p.Range.ClusterID, ch.Err())
			_ = p.Kill()
		}
	}()
	return true
}

// abort handles an expired wait during Run. The process is only killed if the
// identify timeout expired, not if the caller gave up.
func (p *ClusterProcess) abort(ctx context.Context, waitingFor string) error {
	id := p.Range.ClusterID
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cluster %d: stopped waiting for %s: %w", id, waitingFor, err)
	}
	Logger.Errorf("Cluster %d: no %s within %s, killing it", id, waitingFor, p.manager.config.IdentifyTimeout)
	_ = p.Kill()
	return fmt.Errorf("cluster %d: no %s: %w", id, waitingFor, ErrRequestTimeout)
}

// markReady handles READY, a repeated READY is ignored
func (p *ClusterProcess) markReady() {
	p.mu.Lock()
	already := p.ready
	p.ready = true
	p.mu.Unlock()
	if already {
		return
	}

	p.readyOnce.Do(func() { close(p.readyCh) })
	Logger.Infof("Cluster %d is ready after %s", p.Range.ClusterID, time.Since(p.startedAt).Round(time.Millisecond))
	p.manager.onReady(p)
}

// markExpected marks the next exit as intended, so it is not respawned
func (p *ClusterProcess) markExpected() {
	p.mu.Lock()
	p.expected = true
	p.mu.Unlock()
}

// watch waits for the process to exit
func (p *ClusterProcess) watch(proc IProcess) {
	err := proc.Wait()

	// closing the channel rejects all pending requests
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	p.finish(err)
}

// finish records the exit and hands the process back to the manager. Exited
// is closed only after the manager released the range, so a caller waiting
// for the exit always sees the shards closed.
func (p *ClusterProcess) finish(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.ready = false
		p.exitErr = err
		expected := p.expected
		p.mu.Unlock()

		p.manager.onExit(p, err, expected)
		close(p.exited)
	})
}
