package cluster

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/shards"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standaloneConfig(shardCount, maxConcurrency int, launchDelay time.Duration) common.ChildConfig {
	return common.ChildConfig{
		Token:           testToken,
		ShardCount:      shardCount,
		ShardStart:      0,
		ShardEnd:        shardCount - 1,
		MaxConcurrency:  maxConcurrency,
		GatewayURL:      "wss://gateway.test",
		LaunchDelay:     launchDelay,
		RequestTimeout:  2 * time.Second,
		IdentifyTimeout: 5 * time.Second,
	}
}

// recordingFactory remembers every socket it created
func recordingFactory() (gateway.SocketFactory, func() map[int]*gateway.SimulatedSocket) {
	var mu sync.Mutex
	sockets := make(map[int]*gateway.SimulatedSocket)
	factory := func(shardID, shardCount int, token string) gateway.ISocket {
		s := gateway.NewSimulatedSocket(shardID, testHandshake)
		mu.Lock()
		sockets[shardID] = s
		mu.Unlock()
		return s
	}
	return factory, func() map[int]*gateway.SimulatedSocket {
		mu.Lock()
		defer mu.Unlock()
		return sockets
	}
}

func TestStandaloneClientPacesIdentifies(t *testing.T) {
	cfg := standaloneConfig(3, 1, 100*time.Millisecond)
	factory, sockets := recordingFactory()
	c := NewClusterClient(cfg, factory, nil)
	defer c.Shutdown()
	assert.False(t, c.Managed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	var times []time.Time
	for _, s := range sockets() {
		require.Len(t, s.Identifies(), 1)
		times = append(times, s.Identifies()[0])
	}
	require.Len(t, times, 3)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), cfg.LaunchDelay-30*time.Millisecond)
	}

	for id, status := range c.ShardStates() {
		assert.Equal(t, shards.StatusReady, status, "shard %d", id)
	}
	assert.Equal(t, int64(3), c.IdentifyStats()["identify.admission"].Count)

	select {
	case <-c.Ready():
	default:
		t.Error("ready channel not closed")
	}
	assert.Error(t, c.Run(ctx), "second run must fail")
}

func TestStandaloneClientDistinctKeys(t *testing.T) {
	cfg := standaloneConfig(3, 3, time.Second)
	factory, sockets := recordingFactory()
	c := NewClusterClient(cfg, factory, nil)
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Run(ctx))

	// one shard per key, nobody waits for the launch delay
	assert.Less(t, time.Since(start), cfg.LaunchDelay/2)
	for id, s := range sockets() {
		assert.Len(t, s.Identifies(), 1, "shard %d", id)
	}
}

func TestClusterClientShutdownStopsRun(t *testing.T) {
	cfg := standaloneConfig(2, 1, 10*time.Second)
	c := NewClusterClient(cfg, gateway.NewSimulatedSocketFactory(testHandshake), nil)

	result := make(chan error, 1)
	go func() { result <- c.Run(context.Background()) }()

	// one shard is ready, the other waits for the launch delay
	require.Eventually(t, func() bool {
		counts := make(map[shards.Status]int)
		for _, status := range c.ShardStates() {
			counts[status]++
		}
		return counts[shards.StatusReady] == 1 && counts[shards.StatusWaiting] == 1
	}, 2*time.Second, 5*time.Millisecond)
	c.Shutdown()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after shutdown")
	}
}

func TestClusterClientRejectsInvalidRange(t *testing.T) {
	cfg := standaloneConfig(2, 1, time.Millisecond)
	cfg.ShardEnd = 5
	c := NewClusterClient(cfg, gateway.NewSimulatedSocketFactory(0), nil)
	assert.Error(t, c.Run(context.Background()))
}
