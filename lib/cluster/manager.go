package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dShard/lib/bucket"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("cluster")

const (
	// maxRespawnDelay caps the exponential backoff between respawns of a cluster
	maxRespawnDelay = time.Minute
	// minRespawnDelay is the first backoff step if the launch delay is shorter
	minRespawnDelay = 100 * time.Millisecond
	// exitGrace bounds the wait for an exit after a kill
	exitGrace = 5 * time.Second
)

// EvalResult is the outcome of an eval on one cluster. Err is either a local
// failure (the cluster exited or timed out) or the rehydrated remote error.
type EvalResult struct {
	ClusterID int             `json:"cluster_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       error           `json:"-"`
}

// RawEvalResult is the outcome of an eval on one reachable cluster as sent by
// the child. IsError is set if the evaluator failed.
type RawEvalResult struct {
	ClusterID int                     `json:"cluster_id"`
	Result    json.RawMessage         `json:"result,omitempty"`
	Error     *common.SerializedError `json:"error,omitempty"`
	IsError   bool                    `json:"is_error"`
}

// ClusterInfo describes one cluster of the fleet
type ClusterInfo struct {
	ClusterID  int  `json:"cluster_id"`
	ShardStart int  `json:"shard_start"`
	ShardEnd   int  `json:"shard_end"`
	Pid        int  `json:"pid"`
	Ready      bool `json:"ready"`
}

// ClusterManager partitions the shards of the application into clusters,
// spawns one child process per cluster and supervises them. It owns one
// identify bucket per ratelimit key, shared by all clusters, which makes
// identify admission global across processes.
type ClusterManager struct {
	config    common.ManagerConfig
	spawner   ISpawner
	ipc       *server.IPCServer
	rest      rest.IRestClient
	forwarder *rest.Forwarder
	evals     *EvalRegistry
	waiters   *IdentifyWaiters
	metrics   *managerMetrics

	ctx    context.Context
	cancel context.CancelFunc

	runOnce  sync.Once
	runErr   error
	started  atomic.Bool
	stopping atomic.Bool
	stopped  chan struct{}

	// respawnMu orders scheduled respawns against Shutdown
	respawnMu sync.Mutex
	wg        sync.WaitGroup

	// resolved by Run
	shardCount     int
	maxConcurrency int
	gatewayURL     string
	ranges         []shards.Range
	buckets        []bucket.IBucket

	// startMu serializes the startup of clusters
	startMu  sync.Mutex
	clusters *xsync.MapOf[int, *ClusterProcess]
	states   *xsync.MapOf[int, shards.Status]
	backoff  *xsync.MapOf[int, time.Duration]

	fillMu     sync.Mutex
	lastFill   *common.FillInteractionCommands
	fillSource int

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// NewClusterManager creates a manager. The configuration is validated, values
// left zero (shard count, max concurrency, gateway url) are fetched from the
// REST client when Run is called. restClient may be nil if all of them are set.
func NewClusterManager(config common.ManagerConfig, spawner ISpawner, ipc *server.IPCServer, restClient rest.IRestClient) (*ClusterManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if spawner == nil || ipc == nil {
		return nil, errors.New("invalid configuration: spawner and ipc server are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ClusterManager{
		config:   config,
		spawner:  spawner,
		ipc:      ipc,
		rest:     restClient,
		evals:    NewEvalRegistry(),
		waiters:  NewIdentifyWaiters(),
		metrics:  newManagerMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		clusters: xsync.NewMapOf[int, *ClusterProcess](),
		states:   xsync.NewMapOf[int, shards.Status](),
		backoff:  xsync.NewMapOf[int, time.Duration](),
	}
	if restClient != nil {
		m.forwarder = rest.NewForwarder(restClient, config.Token)
	}
	m.registerEvals()
	return m, nil
}

// Run resolves the shard layout, starts the IPC server and starts every
// cluster sequentially. Run is idempotent, later calls return the result of
// the first one. With respawn enabled a cluster failing to start is logged
// and retried in the background, otherwise Run returns its error.
func (m *ClusterManager) Run(ctx context.Context) error {
	if m.stopping.Load() {
		return ErrManagerStopped
	}
	m.runOnce.Do(func() {
		m.runErr = m.run(ctx)
	})
	return m.runErr
}

// OnEvent registers a lifecycle listener. Listeners are called synchronously
// and must not block.
func (m *ClusterManager) OnEvent(listener func(Event)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Evals returns the registry of evaluators children can call on the manager
func (m *ClusterManager) Evals() *EvalRegistry {
	return m.evals
}

// RatelimitKey returns the identify bucket of a shard
func (m *ClusterManager) RatelimitKey(shardID int) int {
	return shards.RatelimitKey(shardID, m.maxConcurrency)
}

// ClusterCount returns the number of clusters, 0 before Run
func (m *ClusterManager) ClusterCount() int {
	return len(m.ranges)
}

// Ranges returns the shard range of every cluster, nil before Run
func (m *ClusterManager) Ranges() []shards.Range {
	return append([]shards.Range(nil), m.ranges...)
}

// Process returns the current process of a cluster
func (m *ClusterManager) Process(clusterID int) (*ClusterProcess, error) {
	p, ok := m.clusters.Load(clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}
	return p, nil
}

// Broadcast sends a notification to every connected cluster
func (m *ClusterManager) Broadcast(payload common.Payload) error {
	var errs []error
	for _, p := range m.processes() {
		if err := p.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastEval runs an evaluator on every cluster. The result contains one
// entry per cluster, serialized remote errors are rehydrated into Err.
func (m *ClusterManager) BroadcastEval(ctx context.Context, code string, args json.RawMessage) ([]EvalResult, error) {
	outcomes, err := m.fanOut(ctx, code, args)
	if err != nil {
		return nil, err
	}

	results := make([]EvalResult, 0, len(outcomes))
	for _, o := range outcomes {
		r := EvalResult{ClusterID: o.clusterID}
		switch {
		case o.err != nil:
			r.Err = o.err
		case o.resp.Error != nil:
			r.Err = o.resp.Error.Rehydrate()
		default:
			r.Result = o.resp.Result
		}
		results = append(results, r)
	}
	return results, nil
}

// BroadcastEvalRaw runs an evaluator on every cluster and returns the raw
// replies. Unreachable clusters and empty replies are left out.
func (m *ClusterManager) BroadcastEvalRaw(ctx context.Context, code string, args json.RawMessage) ([]RawEvalResult, error) {
	outcomes, err := m.fanOut(ctx, code, args)
	if err != nil {
		return nil, err
	}

	results := make([]RawEvalResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			Logger.Debugf("Cluster %d is unreachable for eval %s: %v", o.clusterID, code, o.err)
			continue
		}
		if o.resp.Empty() {
			continue
		}
		results = append(results, RawEvalResult{
			ClusterID: o.clusterID,
			Result:    o.resp.Result,
			Error:     o.resp.Error,
			IsError:   o.resp.Error != nil,
		})
	}
	return results, nil
}

// RespawnAll restarts every cluster one after the other. Each child is asked
// to exit gracefully and killed if it does not exit within the request
// timeout. Clusters are restarted regardless of the respawn setting.
func (m *ClusterManager) RespawnAll(ctx context.Context) error {
	if m.stopping.Load() {
		return ErrManagerStopped
	}
	if !m.started.Load() {
		return fmt.Errorf("%w: not running", ErrNotReady)
	}

	ctx, cancel := m.bind(ctx)
	defer cancel()
	for _, r := range m.ranges {
		if err := m.respawn(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown sends CLOSE to every child and waits for them to exit. Children
// still running when ctx ends are killed. The manager can not be restarted.
func (m *ClusterManager) Shutdown(ctx context.Context) error {
	m.respawnMu.Lock()
	first := m.stopping.CompareAndSwap(false, true)
	m.respawnMu.Unlock()
	if !first {
		return nil
	}
	Logger.Infof("Shutting down %d clusters", m.clusters.Size())

	close(m.stopped)
	m.cancel()
	m.wg.Wait()

	if m.started.Load() {
		for _, b := range m.buckets {
			b.Clear()
		}
	}
	m.waiters.RejectAll(ErrManagerStopped)

	procs := m.processes()
	for _, p := range procs {
		p.markExpected()
		if err := p.Send(&common.Close{Reason: "manager shutdown"}); err != nil {
			Logger.Debugf("Could not send CLOSE to cluster %d: %v", p.Range.ClusterID, err)
			_ = p.Kill()
		}
	}

	var errs []error
	for _, p := range procs {
		if err := waitExit(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.ipc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ShardStates returns the last reported state of every shard
func (m *ClusterManager) ShardStates() map[int]shards.Status {
	states := make(map[int]shards.Status, m.states.Size())
	m.states.Range(func(shardID int, status shards.Status) bool {
		states[shardID] = status
		return true
	})
	return states
}

// Clusters returns a snapshot of all clusters, sorted by id
func (m *ClusterManager) Clusters() []ClusterInfo {
	procs := m.processes()
	infos := make([]ClusterInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, ClusterInfo{
			ClusterID:  p.Range.ClusterID,
			ShardStart: p.Range.ShardStart,
			ShardEnd:   p.Range.ShardEnd,
			Pid:        p.Pid(),
			Ready:      p.Ready(),
		})
	}
	return infos
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (m *ClusterManager) run(ctx context.Context) error {
	ctx, cancel := m.bind(ctx)
	defer cancel()

	if err := m.resolve(ctx); err != nil {
		return err
	}

	end := m.config.ShardEnd
	if end < 0 {
		end = m.shardCount - 1
	}
	ranges, err := shards.Partition(m.config.ShardStart, end, m.shardCount, m.config.ShardsPerCluster)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m.ranges = ranges

	m.buckets = make([]bucket.IBucket, m.maxConcurrency)
	for key := range m.buckets {
		m.buckets[key] = bucket.NewBucket(1, m.config.LaunchDelay, true)
	}
	m.metrics.registerBuckets(m)

	if err := m.ipc.Listen(); err != nil {
		return fmt.Errorf("failed to start ipc server: %w", err)
	}
	m.started.Store(true)

	Logger.Infof("Starting %d clusters for shards %d-%d of %d (max concurrency %d)",
		len(ranges), m.config.ShardStart, end, m.shardCount, m.maxConcurrency)

	for _, r := range ranges {
		if m.stopping.Load() {
			return ErrManagerStopped
		}
		if err := m.startCluster(ctx, r); err != nil {
			if !m.config.Respawn || errors.Is(err, ErrManagerStopped) || ctx.Err() != nil {
				return err
			}
			Logger.Errorf("Cluster %d failed to start, it will be respawned: %v", r.ClusterID, err)
		}
	}
	return nil
}

// bind returns a context that also ends when the manager shuts down
func (m *ClusterManager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// resolve fills shard count, max concurrency and gateway url
func (m *ClusterManager) resolve(ctx context.Context) error {
	m.shardCount = m.config.ShardCount
	m.maxConcurrency = m.config.MaxConcurrency
	m.gatewayURL = m.config.GatewayURL

	if m.shardCount == 0 || m.maxConcurrency == 0 || m.gatewayURL == "" {
		if m.rest == nil {
			return errors.New("invalid configuration: shard count, max concurrency and gateway url are required without a rest client")
		}
		bot, err := m.rest.FetchGatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch gateway bot: %w", err)
		}
		if m.shardCount == 0 {
			m.shardCount = bot.Shards
		}
		if m.maxConcurrency == 0 {
			m.maxConcurrency = bot.SessionStartLimit.MaxConcurrency
		}
		if m.gatewayURL == "" {
			m.gatewayURL = bot.URL
		}
	}

	if m.shardCount <= 0 {
		return fmt.Errorf("invalid configuration: shard count must be positive, got %d", m.shardCount)
	}
	if m.maxConcurrency < 1 {
		m.maxConcurrency = 1
	}
	return nil
}

// childConfig returns the spawn-time configuration of a cluster
func (m *ClusterManager) childConfig(r shards.Range) common.ChildConfig {
	ipc := m.config.IPC
	ipc.Endpoint = m.ipc.Endpoint()
	return common.ChildConfig{
		ClusterID:       r.ClusterID,
		Managed:         true,
		Token:           m.config.Token,
		ShardCount:      r.ShardCount,
		ShardStart:      r.ShardStart,
		ShardEnd:        r.ShardEnd,
		MaxConcurrency:  m.maxConcurrency,
		GatewayURL:      m.gatewayURL,
		LaunchDelay:     m.config.LaunchDelay,
		RequestTimeout:  m.config.RequestTimeout,
		IdentifyTimeout: m.config.IdentifyTimeout,
		IPC:             ipc,
		CommandsFile:    m.config.CommandsFile,
		LogLevel:        m.config.LogLevel,
	}
}

// startCluster creates the process record of a range and runs it
func (m *ClusterManager) startCluster(ctx context.Context, r shards.Range) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.stopping.Load() {
		return ErrManagerStopped
	}
	for _, id := range r.ShardIDs() {
		m.states.Store(id, shards.StatusIdle)
	}

	p := newClusterProcess(m, r)
	m.clusters.Store(r.ClusterID, p)
	return p.Run(ctx)
}

// grantIdentify waits until the bucket of the shard admits its identify
func (m *ClusterManager) grantIdentify(ctx context.Context, shardID int) (*common.IdentifyGrant, error) {
	key := m.RatelimitKey(shardID)
	w := m.waiters.Add(shardID)
	queued := time.Now()
	Logger.Debugf("Shard %d requests identify on key %d", shardID, key)

	m.buckets[key].Add(func() error {
		// a stale or cancelled waiter still uses its slot
		if !m.waiters.Settle(w, nil) {
			Logger.Debugf("Skipping grant for settled identify of shard %d", shardID)
			return nil
		}
		m.metrics.grant(key, queued)
		return nil
	}, false)

	ctx, cancel := withTimeout(ctx, m.config.IdentifyTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		m.waiters.Settle(w, err)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrRequestTimeout
		}
		return nil, fmt.Errorf("shard %d: identify not granted: %w", shardID, err)
	}

	Logger.Debugf("Granted identify of shard %d after %s", shardID, time.Since(queued).Round(time.Millisecond))
	return &common.IdentifyGrant{ShardID: shardID}, nil
}

// setShardState records a SHARD_STATE report
func (m *ClusterManager) setShardState(clusterID, shardID int, status shards.Status) {
	m.states.Store(shardID, status)
	Logger.Infof("Shard %d of cluster %d is %s", shardID, clusterID, status)
	m.emit(Event{Type: EventShardState, ClusterID: clusterID, ShardID: shardID, State: status})
}

// relayFill passes the command set of one cluster on to every other cluster
func (m *ClusterManager) relayFill(source int, fill *common.FillInteractionCommands) {
	m.fillMu.Lock()
	m.lastFill = fill
	m.fillSource = source
	m.fillMu.Unlock()

	Logger.Infof("Relaying %d interaction commands of cluster %d", len(fill.Data), source)
	for _, p := range m.processes() {
		if p.Range.ClusterID == source || !p.Ready() {
			continue
		}
		if err := p.Send(fill); err != nil {
			Logger.Warningf("Failed to relay commands to cluster %d: %v", p.Range.ClusterID, err)
		}
	}
}

// onReady is called once per process when it reported READY
func (m *ClusterManager) onReady(p *ClusterProcess) {
	id := p.Range.ClusterID
	m.backoff.Delete(id)
	m.emit(Event{Type: EventReady, ClusterID: id})

	// a respawned cluster gets the command set it missed
	m.fillMu.Lock()
	fill, source := m.lastFill, m.fillSource
	m.fillMu.Unlock()
	if fill != nil && source != id {
		if err := p.Send(fill); err != nil {
			Logger.Warningf("Failed to replay commands to cluster %d: %v", id, err)
		}
	}
}

// onExit is called exactly once per process after it exited
func (m *ClusterManager) onExit(p *ClusterProcess, err error, expected bool) {
	id := p.Range.ClusterID
	m.metrics.exits.Inc()

	// Compute hands back the deleted value, so removal is tracked separately
	removed := false
	m.clusters.Compute(id, func(old *ClusterProcess, loaded bool) (*ClusterProcess, bool) {
		if loaded && old == p {
			removed = true
			return old, true
		}
		return old, !loaded
	})
	if !removed {
		// a newer process owns the range already
		return
	}
	for _, shardID := range p.Range.ShardIDs() {
		m.states.Store(shardID, shards.StatusClosed)
	}

	if err != nil && !expected {
		Logger.Errorf("Cluster %d exited: %v", id, err)
	} else {
		Logger.Infof("Cluster %d exited", id)
	}
	m.emit(Event{Type: EventExited, ClusterID: id, Err: err})

	if expected || !m.config.Respawn || m.stopping.Load() {
		return
	}
	m.scheduleRespawn(p.Range)
}

// scheduleRespawn restarts a crashed cluster after its backoff
func (m *ClusterManager) scheduleRespawn(r shards.Range) {
	m.respawnMu.Lock()
	defer m.respawnMu.Unlock()
	if m.stopping.Load() {
		return
	}

	delay := m.nextBackoff(r.ClusterID)
	m.metrics.respawns.Inc()
	Logger.Infof("Respawning cluster %d in %s", r.ClusterID, delay.Round(time.Millisecond))
	m.emit(Event{Type: EventRespawning, ClusterID: r.ClusterID})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stopped:
			return
		}

		if err := m.startCluster(m.ctx, r); err != nil && !errors.Is(err, ErrManagerStopped) {
			Logger.Errorf("Respawn of cluster %d failed: %v", r.ClusterID, err)
		}
	}()
}

// nextBackoff returns the delay before the next respawn of a cluster. It
// starts at the launch delay and doubles until the cluster reports READY.
func (m *ClusterManager) nextBackoff(clusterID int) time.Duration {
	delay, _ := m.backoff.Compute(clusterID, func(old time.Duration, loaded bool) (time.Duration, bool) {
		if !loaded {
			return max(m.config.LaunchDelay, minRespawnDelay), false
		}
		return min(old*2, maxRespawnDelay), false
	})

	// Exponential backoff with a small random jitter (+-10%)
	return time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
}

// respawn gracefully restarts the cluster of a range
func (m *ClusterManager) respawn(ctx context.Context, r shards.Range) error {
	if p, ok := m.clusters.Load(r.ClusterID); ok {
		p.markExpected()
		Logger.Infof("Restarting cluster %d", r.ClusterID)
		if err := p.Send(&common.RespawnAll{}); err != nil {
			_ = p.Kill()
		}

		waitCtx, cancel := withTimeout(ctx, m.config.RequestTimeout)
		err := waitExit(waitCtx, p)
		cancel()
		if err != nil {
			return err
		}
	}

	m.emit(Event{Type: EventRespawning, ClusterID: r.ClusterID})
	return m.startCluster(ctx, r)
}

// waitExit waits for a process to exit and kills it once ctx ends
func waitExit(ctx context.Context, p *ClusterProcess) error {
	select {
	case <-p.Exited():
		return nil
	case <-ctx.Done():
	}

	Logger.Warningf("Cluster %d did not exit in time, killing it", p.Range.ClusterID)
	_ = p.Kill()

	timer := time.NewTimer(exitGrace)
	defer timer.Stop()
	select {
	case <-p.Exited():
		return nil
	case <-timer.C:
		return fmt.Errorf("cluster %d: process did not exit after kill", p.Range.ClusterID)
	}
}

// processes returns the current processes sorted by cluster id
func (m *ClusterManager) processes() []*ClusterProcess {
	procs := make([]*ClusterProcess, 0, m.clusters.Size())
	m.clusters.Range(func(_ int, p *ClusterProcess) bool {
		procs = append(procs, p)
		return true
	})
	sort.Slice(procs, func(i, j int) bool { return procs[i].Range.ClusterID < procs[j].Range.ClusterID })
	return procs
}

// readyCount returns the number of ready clusters
func (m *ClusterManager) readyCount() int {
	n := 0
	m.clusters.Range(func(_ int, p *ClusterProcess) bool {
		if p.Ready() {
			n++
		}
		return true
	})
	return n
}

// evalOutcome is the reply of one cluster to a broadcast eval
type evalOutcome struct {
	clusterID int
	resp      *common.EvalResponse
	err       error
}

// fanOut runs an eval on all clusters concurrently
func (m *ClusterManager) fanOut(ctx context.Context, code string, args json.RawMessage) ([]evalOutcome, error) {
	if m.stopping.Load() {
		return nil, ErrManagerStopped
	}

	procs := m.processes()
	outcomes := make([]evalOutcome, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Eval(ctx, code, args)
			outcomes[i] = evalOutcome{clusterID: p.Range.ClusterID, resp: resp, err: err}
		}()
	}
	wg.Wait()
	return outcomes, nil
}

// emit passes an event to all listeners
func (m *ClusterManager) emit(e Event) {
	e.Time = time.Now()

	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// --------------------------------------------------------------------------
// Built-in Evaluators
// --------------------------------------------------------------------------

// broadcastArgs are the arguments of the broadcast evaluator
type broadcastArgs struct {
	Code string          `json:"code"`
	Args json.RawMessage `json:"args,omitempty"`
}

// bucketStats describes the state of one identify bucket
type bucketStats struct {
	Key     int  `json:"key"`
	Pending int  `json:"pending"`
	Locked  bool `json:"locked"`
}

func (m *ClusterManager) registerEvals() {
	m.evals.Register("manager.info", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{
			"shard_count":     m.shardCount,
			"max_concurrency": m.maxConcurrency,
			"gateway_url":     m.gatewayURL,
			"clusters":        m.Clusters(),
			"shard_states":    m.ShardStates(),
		}, nil
	})

	m.evals.Register("manager.stats", func(ctx context.Context, _ json.RawMessage) (any, error) {
		buckets := make([]bucketStats, 0, len(m.buckets))
		for key, b := range m.buckets {
			buckets = append(buckets, bucketStats{Key: key, Pending: b.Len(), Locked: b.Locked()})
		}
		return map[string]any{
			"timers":           timerStats(m.metrics.timers),
			"buckets":          buckets,
			"identify_waiting": m.waiters.Len(),
			"clusters_ready":   m.readyCount(),
		}, nil
	})

	m.evals.Register("broadcast", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args broadcastArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid broadcast arguments: %w", err)
		}
		if args.Code == "" || args.Code == "broadcast" {
			return nil, fmt.Errorf("invalid broadcast code %q", args.Code)
		}
		return m.BroadcastEvalRaw(ctx, args.Code, args.Args)
	})
}
