package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/ValentinKolb/dShard/rpc/serializer"
	"github.com/ValentinKolb/dShard/rpc/server"
	"github.com/ValentinKolb/dShard/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken     = "MTIz.abc.def"
	testHandshake = 20 * time.Millisecond
)

func TestMain(m *testing.M) {
	if err := common.InitLoggers("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// --------------------------------------------------------------------------
// Test Fleet
// --------------------------------------------------------------------------

// fleet is a manager with in-process children and simulated sockets
type fleet struct {
	manager *ClusterManager
	spawner *InProcessSpawner
	events  chan Event

	mu       sync.Mutex
	sockets  map[int]*gateway.SimulatedSocket
	children map[int]*ClusterProcessChild
	evalHook chan int
}

func testConfig(shardCount, shardsPerCluster, maxConcurrency int) common.ManagerConfig {
	cfg := common.DefaultManagerConfig()
	cfg.Token = testToken
	cfg.ShardCount = shardCount
	cfg.ShardsPerCluster = shardsPerCluster
	cfg.MaxConcurrency = maxConcurrency
	cfg.GatewayURL = "wss://gateway.test"
	cfg.LaunchDelay = 150 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.IdentifyTimeout = 5 * time.Second
	cfg.IPC = common.IPCConfig{Transport: "tcp", Endpoint: "127.0.0.1:0", Serializer: "json", Secret: "s3cret"}
	cfg.LogLevel = "error"
	return cfg
}

func newFleet(t *testing.T, cfg common.ManagerConfig, restClient rest.IRestClient) *fleet {
	return newFleetWithSpawner(t, cfg, restClient, nil)
}

// newFleetWithSpawner lets wrap intercept the spawns of the fleet
func newFleetWithSpawner(t *testing.T, cfg common.ManagerConfig, restClient rest.IRestClient, wrap func(ISpawner) ISpawner) *fleet {
	f := &fleet{
		events:   make(chan Event, 256),
		sockets:  make(map[int]*gateway.SimulatedSocket),
		children: make(map[int]*ClusterProcessChild),
		evalHook: make(chan int, 16),
	}

	f.spawner = NewInProcessSpawner(func(shardID, shardCount int, token string) gateway.ISocket {
		s := gateway.NewSimulatedSocket(shardID, testHandshake)
		f.mu.Lock()
		f.sockets[shardID] = s
		f.mu.Unlock()
		return s
	})
	f.spawner.Rest = restClient
	f.spawner.Commands = []gateway.ApplicationCommand{{Name: "ping", Description: "pong"}}
	f.spawner.OnChild = func(child *ClusterProcessChild) {
		id := child.config.ClusterID
		child.Evals().Register("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
			f.evalHook <- id
			<-ctx.Done()
			return nil, ctx.Err()
		})
		child.Evals().Register("fail", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, &evalTestError{msg: fmt.Sprintf("cluster %d failed", id)}
		})
		child.Evals().Register("only.zero", func(ctx context.Context, _ json.RawMessage) (any, error) {
			if id != 0 {
				return nil, nil
			}
			return "zero", nil
		})
		f.mu.Lock()
		f.children[id] = child
		f.mu.Unlock()
	}

	var spawner ISpawner = f.spawner
	if wrap != nil {
		spawner = wrap(spawner)
	}
	ipc := server.NewIPCServer(cfg.IPC, tcp.NewTCPServerTransport(), serializer.NewJSONSerializer())
	m, err := NewClusterManager(cfg, spawner, ipc, restClient)
	require.NoError(t, err)
	m.OnEvent(func(e Event) {
		select {
		case f.events <- e:
		default:
		}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	f.manager = m
	return f
}

func (f *fleet) run(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Run(ctx))
}

func (f *fleet) child(id int) *ClusterProcessChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[id]
}

// identifies returns the first identify time of every shard
func (f *fleet) identifies(t *testing.T) map[int]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	times := make(map[int]time.Time)
	for id, s := range f.sockets {
		ids := s.Identifies()
		require.Len(t, ids, 1, "shard %d identified %d times", id, len(ids))
		times[id] = ids[0]
	}
	return times
}

// waitEvent blocks until an event matching match arrived
func (f *fleet) waitEvent(t *testing.T, timeout time.Duration, match func(Event) bool) Event {
	deadline := time.After(timeout)
	for {
		select {
		case e := <-f.events:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatalf("no matching event within %s", timeout)
			return Event{}
		}
	}
}

// fakeRest answers the REST calls of the manager and the children locally
type fakeRest struct {
	mu      sync.Mutex
	bot     rest.GatewayBot
	uploads [][]gateway.ApplicationCommand
}

func (r *fakeRest) FetchGatewayBot(ctx context.Context) (*rest.GatewayBot, error) {
	bot := r.bot
	return &bot, nil
}

func (r *fakeRest) FetchApplicationCommands(ctx context.Context, applicationID string) ([]gateway.ApplicationCommand, error) {
	return nil, nil
}

func (r *fakeRest) BulkOverwriteApplicationCommands(ctx context.Context, applicationID string, commands []gateway.ApplicationCommand) ([]gateway.ApplicationCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, commands)

	persisted := make([]gateway.ApplicationCommand, len(commands))
	for i, cmd := range commands {
		cmd.ID = fmt.Sprintf("%s-%d", applicationID, i)
		cmd.ApplicationID = applicationID
		persisted[i] = cmd
	}
	return persisted, nil
}

// --------------------------------------------------------------------------
// Identify Admission
// --------------------------------------------------------------------------

// TestManagerSharedKeyNeverOverlaps tests four shards in two clusters with a
// single ratelimit key: no two identifies may run within one launch delay
func TestManagerSharedKeyNeverOverlaps(t *testing.T) {
	cfg := testConfig(4, 2, 1)
	f := newFleet(t, cfg, nil)
	f.run(t)

	m := f.manager
	assert.Equal(t, 2, m.ClusterCount())
	assert.Equal(t, []shards.Range{
		{ClusterID: 0, ShardStart: 0, ShardEnd: 1, ShardCount: 4},
		{ClusterID: 1, ShardStart: 2, ShardEnd: 3, ShardCount: 4},
	}, m.Ranges())
	assert.Equal(t, m.RatelimitKey(0), m.RatelimitKey(2))

	states := m.ShardStates()
	for id := 0; id < 4; id++ {
		assert.Equal(t, shards.StatusReady, states[id], "shard %d", id)
	}

	times := make([]time.Time, 0, 4)
	for _, ts := range f.identifies(t) {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, cfg.LaunchDelay-50*time.Millisecond, "identify %d followed too early", i)
		assert.Greater(t, gap, testHandshake, "identify windows overlap")
	}

	for _, info := range m.Clusters() {
		assert.True(t, info.Ready, "cluster %d", info.ClusterID)
		assert.NotZero(t, info.Pid)
	}
}

// TestManagerDistinctKeysRunConcurrently tests that shards with different
// ratelimit keys identify at the same time
func TestManagerDistinctKeysRunConcurrently(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 500 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)

	m := f.manager
	assert.Equal(t, 0, m.RatelimitKey(0))
	assert.Equal(t, 1, m.RatelimitKey(1))

	times := f.identifies(t)
	concurrent := times[1].Sub(times[0]).Abs()
	assert.Less(t, concurrent, cfg.LaunchDelay/2, "shards 0 and 1 should not wait for each other")

	sameKey := times[2].Sub(times[0])
	assert.GreaterOrEqual(t, sameKey, cfg.LaunchDelay-50*time.Millisecond, "shards 0 and 2 share key 0")
}

// TestManagerDuplicateIdentifyRejectsStale tests that a second identify
// request for the same shard rejects the first one
func TestManagerDuplicateIdentifyRejectsStale(t *testing.T) {
	cfg := testConfig(2, 2, 1)
	cfg.LaunchDelay = 300 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)

	ctx := context.Background()
	stale := make(chan error, 1)
	go func() {
		_, err := f.manager.grantIdentify(ctx, 0)
		stale <- err
	}()
	require.Eventually(t, func() bool { return f.manager.waiters.Len() == 1 }, time.Second, 5*time.Millisecond)

	grant, err := f.manager.grantIdentify(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, grant.ShardID)

	select {
	case err := <-stale:
		assert.ErrorIs(t, err, ErrDuplicateIdentify)
	case <-time.After(2 * time.Second):
		t.Fatal("stale identify request still pending")
	}
}

// TestManagerResolvesFromGatewayBot tests that missing values are fetched
func TestManagerResolvesFromGatewayBot(t *testing.T) {
	cfg := testConfig(0, 2, 0)
	cfg.GatewayURL = ""
	cfg.LaunchDelay = 50 * time.Millisecond
	restClient := &fakeRest{bot: rest.GatewayBot{
		URL:               "wss://resolved.test",
		Shards:            4,
		SessionStartLimit: rest.SessionStartLimit{MaxConcurrency: 2},
	}}
	f := newFleet(t, cfg, restClient)
	f.run(t)

	assert.Equal(t, 2, f.manager.ClusterCount())
	assert.Equal(t, 1, f.manager.RatelimitKey(3))
	assert.Equal(t, "wss://resolved.test", f.child(1).config.GatewayURL)
	assert.Equal(t, 2, f.child(1).config.MaxConcurrency)
}

func TestManagerConfigurationErrors(t *testing.T) {
	spawner := NewInProcessSpawner(gateway.NewSimulatedSocketFactory(0))
	ipc := func(cfg common.ManagerConfig) *server.IPCServer {
		return server.NewIPCServer(cfg.IPC, tcp.NewTCPServerTransport(), serializer.NewJSONSerializer())
	}

	t.Run("missing token", func(t *testing.T) {
		cfg := testConfig(4, 2, 1)
		cfg.Token = ""
		_, err := NewClusterManager(cfg, spawner, ipc(cfg), nil)
		assert.Error(t, err)
	})

	t.Run("zero shards from rest", func(t *testing.T) {
		cfg := testConfig(0, 2, 1)
		m, err := NewClusterManager(cfg, spawner, ipc(cfg), &fakeRest{bot: rest.GatewayBot{URL: "wss://x"}})
		require.NoError(t, err)
		err = m.Run(context.Background())
		assert.ErrorContains(t, err, "shard count must be positive")
		// Run is idempotent
		assert.Equal(t, err, m.Run(context.Background()))
	})

	t.Run("range out of bounds", func(t *testing.T) {
		cfg := testConfig(4, 2, 1)
		cfg.ShardStart, cfg.ShardEnd = 2, 9
		m, err := NewClusterManager(cfg, spawner, ipc(cfg), nil)
		require.NoError(t, err)
		assert.ErrorContains(t, m.Run(context.Background()), "malformed shard range")
	})

	t.Run("unresolvable without rest client", func(t *testing.T) {
		cfg := testConfig(0, 2, 1)
		m, err := NewClusterManager(cfg, spawner, ipc(cfg), nil)
		require.NoError(t, err)
		assert.Error(t, m.Run(context.Background()))
	})
}

// --------------------------------------------------------------------------
// Process Supervision
// --------------------------------------------------------------------------

// TestManagerCrashDuringEvalRejects tests that a pending eval fails as soon
// as the child dies instead of hanging
func TestManagerCrashDuringEvalRejects(t *testing.T) {
	cfg := testConfig(2, 2, 1)
	cfg.Respawn = false
	cfg.RequestTimeout = 10 * time.Second
	f := newFleet(t, cfg, nil)
	f.run(t)

	p, err := f.manager.Process(0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := p.Eval(context.Background(), "block", nil)
		result <- err
	}()

	select {
	case <-f.evalHook:
	case <-time.After(2 * time.Second):
		t.Fatal("eval did not reach the child")
	}
	start := time.Now()
	require.NoError(t, p.Kill())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrProcessExited)
		assert.Less(t, time.Since(start), cfg.RequestTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("pending eval was not rejected")
	}

	e := f.waitEvent(t, 2*time.Second, func(e Event) bool { return e.Type == EventExited })
	assert.Equal(t, 0, e.ClusterID)
	assert.ErrorIs(t, e.Err, ErrKilled)

	// without respawn the cluster stays dead
	_, err = f.manager.Process(0)
	assert.ErrorIs(t, err, ErrUnknownCluster)
	assert.Equal(t, shards.StatusClosed, f.manager.ShardStates()[0])
}

// TestManagerRespawnsCrashedCluster tests that a crashed child is replaced by
// a new process with the same range
func TestManagerRespawnsCrashedCluster(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 50 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)

	old, err := f.manager.Process(1)
	require.NoError(t, err)
	oldPid := old.Pid()
	require.NoError(t, old.Kill())

	<-old.Exited()
	states := f.manager.ShardStates()
	assert.Equal(t, shards.StatusClosed, states[2])
	assert.Equal(t, shards.StatusClosed, states[3])
	assert.Equal(t, shards.StatusReady, states[0], "other clusters are untouched")

	f.waitEvent(t, 2*time.Second, func(e Event) bool { return e.Type == EventExited && e.ClusterID == 1 })
	f.waitEvent(t, 2*time.Second, func(e Event) bool { return e.Type == EventRespawning && e.ClusterID == 1 })
	f.waitEvent(t, 5*time.Second, func(e Event) bool { return e.Type == EventReady && e.ClusterID == 1 })

	p, err := f.manager.Process(1)
	require.NoError(t, err)
	assert.NotEqual(t, oldPid, p.Pid())
	assert.Equal(t, old.Range, p.Range)
	assert.True(t, p.Ready())
}

// failFirstSpawn fails the first spawn of one cluster
type failFirstSpawn struct {
	ISpawner
	clusterID string
	failed    sync.Once
}

func (s *failFirstSpawn) Spawn(ctx context.Context, env map[string]string) (IProcess, error) {
	fail := false
	if env[common.EnvClusterID] == s.clusterID {
		s.failed.Do(func() { fail = true })
	}
	if fail {
		return nil, errors.New("exec format error")
	}
	return s.ISpawner.Spawn(ctx, env)
}

// TestManagerRespawnsFailedStart tests that a cluster failing to start does
// not abort the manager and is started again in the background
func TestManagerRespawnsFailedStart(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 50 * time.Millisecond
	f := newFleetWithSpawner(t, cfg, nil, func(inner ISpawner) ISpawner {
		return &failFirstSpawn{ISpawner: inner, clusterID: "1"}
	})
	f.run(t)

	e := f.waitEvent(t, 2*time.Second, func(e Event) bool { return e.Type == EventExited && e.ClusterID == 1 })
	assert.ErrorContains(t, e.Err, "spawn failed")
	f.waitEvent(t, 2*time.Second, func(e Event) bool { return e.Type == EventRespawning && e.ClusterID == 1 })
	f.waitEvent(t, 5*time.Second, func(e Event) bool { return e.Type == EventReady && e.ClusterID == 1 })

	p, err := f.manager.Process(1)
	require.NoError(t, err)
	assert.True(t, p.Ready())
	for id, status := range f.manager.ShardStates() {
		assert.Equal(t, shards.StatusReady, status, "shard %d", id)
	}
}

// TestManagerRespawnAll tests the graceful restart of every cluster
func TestManagerRespawnAll(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 50 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)

	// shard states at the moment a cluster is restarted
	var mu sync.Mutex
	gaps := make(map[int]map[int]shards.Status)
	f.manager.OnEvent(func(e Event) {
		if e.Type == EventRespawning {
			mu.Lock()
			gaps[e.ClusterID] = f.manager.ShardStates()
			mu.Unlock()
		}
	})

	before := f.manager.Clusters()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.manager.RespawnAll(ctx))

	after := f.manager.Clusters()
	require.Len(t, after, len(before))
	for i := range after {
		assert.NotEqual(t, before[i].Pid, after[i].Pid, "cluster %d not restarted", after[i].ClusterID)
		assert.True(t, after[i].Ready)
	}

	// the old process released its shards before the new one started
	mu.Lock()
	defer mu.Unlock()
	for _, r := range f.manager.Ranges() {
		states, ok := gaps[r.ClusterID]
		require.True(t, ok, "cluster %d was not restarted", r.ClusterID)
		for _, id := range r.ShardIDs() {
			assert.Equal(t, shards.StatusClosed, states[id], "shard %d", id)
		}
	}
	for id, status := range f.manager.ShardStates() {
		assert.Equal(t, shards.StatusReady, status, "shard %d", id)
	}
}

// TestManagerShutdown tests that a stopped manager rejects further work
func TestManagerShutdown(t *testing.T) {
	cfg := testConfig(2, 1, 1)
	cfg.LaunchDelay = 20 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)
	procs := f.manager.processes()
	require.Len(t, procs, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	for _, p := range procs {
		select {
		case <-p.Exited():
		default:
			t.Errorf("cluster %d still running", p.Range.ClusterID)
		}
	}
	assert.ErrorIs(t, f.manager.Run(ctx), ErrManagerStopped)
	_, err := f.manager.BroadcastEval(ctx, "cluster.info", nil)
	assert.ErrorIs(t, err, ErrManagerStopped)
	assert.NoError(t, f.manager.Shutdown(ctx))
}

// --------------------------------------------------------------------------
// Broadcast & Eval
// --------------------------------------------------------------------------

func TestManagerBroadcastEval(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 20 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)
	ctx := context.Background()

	results, err := f.manager.BroadcastEval(ctx, "cluster.info", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		require.NoError(t, r.Err)
		var info struct {
			ClusterID  int  `json:"cluster_id"`
			ShardStart int  `json:"shard_start"`
			Managed    bool `json:"managed"`
		}
		require.NoError(t, json.Unmarshal(r.Result, &info))
		assert.Equal(t, i, info.ClusterID)
		assert.Equal(t, 2*i, info.ShardStart)
		assert.True(t, info.Managed)
	}

	// remote errors come back with their original name and message
	results, err = f.manager.BroadcastEval(ctx, "fail", nil)
	require.NoError(t, err)
	for _, r := range results {
		var remote *common.RemoteError
		require.True(t, errors.As(r.Err, &remote), "cluster %d: %v", r.ClusterID, r.Err)
		assert.Equal(t, "cluster.evalTestError", remote.Name)
		assert.Equal(t, fmt.Sprintf("cluster %d failed", r.ClusterID), remote.Message)
	}

	raw, err := f.manager.BroadcastEvalRaw(ctx, "fail", nil)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	for _, r := range raw {
		assert.True(t, r.IsError)
		assert.Equal(t, "cluster.evalTestError", r.Error.Name)
	}

	// empty replies are left out
	raw, err = f.manager.BroadcastEvalRaw(ctx, "only.zero", nil)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, 0, raw[0].ClusterID)
	assert.JSONEq(t, `"zero"`, string(raw[0].Result))
	assert.False(t, raw[0].IsError)
}

// TestChildEvalsManager tests the child to manager direction, including the
// broadcast evaluator fanning out to every cluster
func TestChildEvalsManager(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 20 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)
	ctx := context.Background()

	child := f.child(1)
	result, err := child.EvalManager(ctx, "broadcast", json.RawMessage(`{"code":"cluster.shards"}`))
	require.NoError(t, err)

	var raw []RawEvalResult
	require.NoError(t, json.Unmarshal(result, &raw))
	require.Len(t, raw, 2)
	var states map[string]shards.Status
	require.NoError(t, json.Unmarshal(raw[1].Result, &states))
	assert.Equal(t, map[string]shards.Status{"2": shards.StatusReady, "3": shards.StatusReady}, states)

	result, err = child.EvalManager(ctx, "manager.info", nil)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"shard_count":4`)

	_, err = child.EvalManager(ctx, "os.exec", nil)
	var remote *common.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, ErrUnknownEval.Error())

	// without rest client the manager refuses to forward
	_, err = child.RestRequest(ctx, rest.MethodFetchGatewayBot, nil)
	assert.Error(t, err)
}

// TestCommandUploadIsShared tests that cluster 0 uploads its commands once
// and every other cluster receives the persisted set
func TestCommandUploadIsShared(t *testing.T) {
	cfg := testConfig(4, 2, 2)
	cfg.LaunchDelay = 20 * time.Millisecond
	restClient := &fakeRest{}
	f := newFleet(t, cfg, restClient)
	f.run(t)

	require.Eventually(t, func() bool {
		list := f.child(1).Commands().List()
		return len(list) == 1 && list[0].ID == "123-0"
	}, 3*time.Second, 10*time.Millisecond)

	restClient.mu.Lock()
	uploads := len(restClient.uploads)
	restClient.mu.Unlock()
	assert.Equal(t, 1, uploads, "only cluster 0 uploads")
	assert.Equal(t, "123", f.child(0).Commands().List()[0].ApplicationID)

	// forwarding outside the allow-list is refused
	_, err := f.child(0).RestRequest(context.Background(), "deleteGuild", nil)
	var remote *common.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "not allowed")
}

func TestManagerMetrics(t *testing.T) {
	cfg := testConfig(2, 2, 1)
	cfg.LaunchDelay = 20 * time.Millisecond
	f := newFleet(t, cfg, nil)
	f.run(t)

	rec := httptest.NewRecorder()
	f.manager.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `dshard_identify_grants_total{key="0"} 2`)
	assert.Contains(t, body, "dshard_clusters_ready 1")

	result, err := f.child(0).EvalManager(context.Background(), "manager.stats", nil)
	require.NoError(t, err)
	var stats struct {
		Timers map[string]TimerStats `json:"timers"`
	}
	require.NoError(t, json.Unmarshal(result, &stats))
	assert.Equal(t, int64(2), stats.Timers["identify.wait"].Count)
	assert.Equal(t, int64(1), stats.Timers["cluster.startup"].Count)
}
