package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/rest"
	"github.com/ValentinKolb/dShard/rpc/client"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// ClusterProcessChild is the child side of a managed cluster. It runs the
// cluster client, answers the requests of the manager and applies the
// notifications it receives.
type ClusterProcessChild struct {
	config    common.ChildConfig
	channel   *client.Channel
	client    *ClusterClient
	commands  gateway.ICommandRegistry
	forwarder *rest.Forwarder
	evals     *EvalRegistry
	started   time.Time

	stopOnce   sync.Once
	stop       chan struct{}
	stopReason string
}

// NewClusterProcessChild creates the child of a managed cluster. restClient
// may be nil, REST requests of the manager are then answered with an error.
func NewClusterProcessChild(
	config common.ChildConfig,
	channel *client.Channel,
	factory gateway.SocketFactory,
	commands gateway.ICommandRegistry,
	restClient rest.IRestClient,
) *ClusterProcessChild {
	c := &ClusterProcessChild{
		config:   config,
		channel:  channel,
		client:   NewClusterClient(config, factory, channel),
		commands: commands,
		evals:    NewEvalRegistry(),
		started:  time.Now(),
		stop:     make(chan struct{}),
	}
	if restClient != nil {
		c.forwarder = rest.NewForwarder(restClient, config.Token)
	}
	c.registerEvals()
	return c
}

// Run connects all shards, reports READY and serves the manager until ctx
// ends, the manager sends CLOSE or RESPAWN_ALL or the connection drops. It
// returns nil for a requested stop.
func (c *ClusterProcessChild) Run(ctx context.Context) error {
	defer c.client.Shutdown()
	c.channel.Serve(c)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
		case <-c.channel.Done():
		case <-runCtx.Done():
		}
		cancel()
	}()

	if err := c.client.Run(runCtx); err != nil {
		return c.exitErr(ctx, err)
	}

	ready := &common.Ready{ClusterID: c.config.ClusterID, ShardStart: c.config.ShardStart, ShardEnd: c.config.ShardEnd}
	if err := c.channel.Send(ready); err != nil {
		return c.exitErr(ctx, fmt.Errorf("failed to send READY: %w", err))
	}
	Logger.Infof("Cluster %d is ready after %s", c.config.ClusterID, time.Since(c.started).Round(time.Millisecond))

	// only cluster 0 uploads the global command definitions
	if c.config.ClusterID == 0 {
		if err := c.uploadCommands(runCtx); err != nil {
			Logger.Errorf("Failed to upload interaction commands: %v", err)
		}
	}

	<-runCtx.Done()
	return c.exitErr(ctx, nil)
}

// Shutdown announces a graceful exit to the manager and stops Run
func (c *ClusterProcessChild) Shutdown(reason string) {
	if err := c.channel.Send(&common.Close{Reason: reason}); err != nil {
		Logger.Debugf("Could not send CLOSE: %v", err)
	}
	c.requestStop(reason)
}

// EvalManager runs an evaluator registered on the manager
func (c *ClusterProcessChild) EvalManager(ctx context.Context, code string, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.channel.Invoke(ctx, &common.EvalRequest{Code: code, Args: args})
	if err != nil {
		return nil, requestError(c.config.ClusterID, err)
	}
	er := resp.(*common.EvalResponse)
	if er.Error != nil {
		return nil, er.Error.Rehydrate()
	}
	return er.Result, nil
}

// RestRequest executes an allow-listed REST method on the manager
func (c *ClusterProcessChild) RestRequest(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.channel.Invoke(ctx, &common.RestRequest{Method: method, Args: args})
	if err != nil {
		return nil, requestError(c.config.ClusterID, err)
	}
	rr := resp.(*common.RestResponse)
	if rr.Error != nil {
		return nil, rr.Error.Rehydrate()
	}
	return rr.Result, nil
}

// Evals returns the registry of evaluators the manager can call
func (c *ClusterProcessChild) Evals() *EvalRegistry {
	return c.evals
}

// Client returns the cluster client
func (c *ClusterProcessChild) Client() *ClusterClient {
	return c.client
}

// Commands returns the local interaction command registry
func (c *ClusterProcessChild) Commands() gateway.ICommandRegistry {
	return c.commands
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.IMessageHandler)
// --------------------------------------------------------------------------

func (c *ClusterProcessChild) HandleRequest(ctx context.Context, p common.Payload) (common.Payload, error) {
	switch req := p.(type) {
	case *common.EvalRequest:
		return c.evals.Execute(ctx, req), nil

	case *common.RestRequest:
		if c.forwarder == nil {
			return &common.RestResponse{Error: common.SerializeError(fmt.Errorf("%w: cluster %d has no rest client", rest.ErrMethodNotAllowed, c.config.ClusterID), "")}, nil
		}
		result, err := c.forwarder.Call(ctx, req.Method, req.Args)
		if err != nil {
			return &common.RestResponse{Error: common.SerializeError(err, "")}, nil
		}
		return &common.RestResponse{Result: result}, nil

	default:
		return nil, fmt.Errorf("cluster %d does not handle %s requests", c.config.ClusterID, p.Op())
	}
}

func (c *ClusterProcessChild) HandleNotify(p common.Payload) {
	switch msg := p.(type) {
	case *common.FillInteractionCommands:
		c.commands.BulkReplace(msg.Data)
		Logger.Infof("Cluster %d received %d interaction commands", c.config.ClusterID, len(msg.Data))

	case *common.RespawnAll:
		c.Shutdown("respawn requested")

	case *common.Close:
		c.requestStop("manager closed: " + msg.Reason)

	default:
		Logger.Warningf("Cluster %d ignores %s", c.config.ClusterID, p.Op())
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// exitErr returns the result of Run once it stopped
func (c *ClusterProcessChild) exitErr(ctx context.Context, err error) error {
	select {
	case <-c.stop:
		Logger.Infof("Cluster %d stopping: %s", c.config.ClusterID, c.stopReason)
		return nil
	default:
	}

	select {
	case <-c.channel.Done():
		return fmt.Errorf("cluster %d: lost manager connection: %w", c.config.ClusterID, c.channel.Err())
	default:
	}

	if ctx.Err() != nil {
		c.Shutdown("context done")
		return ctx.Err()
	}
	return fmt.Errorf("cluster %d: %w", c.config.ClusterID, err)
}

func (c *ClusterProcessChild) requestStop(reason string) {
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.stop)
	})
}

// uploadCommands overwrites the global commands through the manager and
// shares the persisted set with the other clusters
func (c *ClusterProcessChild) uploadCommands(ctx context.Context) error {
	definitions := c.commands.Definitions()
	if len(definitions) == 0 {
		return nil
	}

	args, err := json.Marshal(rest.CommandsArgs{Commands: definitions})
	if err != nil {
		return err
	}
	result, err := c.RestRequest(ctx, rest.MethodBulkOverwriteApplicationCommands, args)
	if err != nil {
		return err
	}

	var persisted []gateway.ApplicationCommand
	if err := json.Unmarshal(result, &persisted); err != nil {
		return fmt.Errorf("invalid command list: %w", err)
	}
	c.commands.BulkReplace(persisted)
	Logger.Infof("Uploaded %d interaction commands", len(persisted))

	return c.channel.Send(&common.FillInteractionCommands{Data: persisted})
}

// --------------------------------------------------------------------------
// Built-in Evaluators
// --------------------------------------------------------------------------

// processStats is the result of the process.stats evaluator
type processStats struct {
	Pid        int     `json:"pid"`
	RSS        uint64  `json:"rss"`
	RSSHuman   string  `json:"rss_human"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

func (c *ClusterProcessChild) registerEvals() {
	c.evals.Register("cluster.info", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{
			"cluster_id":      c.config.ClusterID,
			"shard_start":     c.config.ShardStart,
			"shard_end":       c.config.ShardEnd,
			"shard_count":     c.config.ShardCount,
			"max_concurrency": c.config.MaxConcurrency,
			"managed":         c.client.Managed(),
			"uptime":          time.Since(c.started).Round(time.Second).String(),
		}, nil
	})

	c.evals.Register("cluster.shards", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.client.ShardStates(), nil
	})

	c.evals.Register("cluster.stats", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{
			"ipc":      c.channel.Stats(),
			"identify": c.client.IdentifyStats(),
		}, nil
	})

	c.evals.Register("process.stats", func(ctx context.Context, _ json.RawMessage) (any, error) {
		proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return nil, fmt.Errorf("failed to inspect process: %w", err)
		}
		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read memory info: %w", err)
		}
		cpu, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			return nil, errors.Join(errors.New("failed to read cpu usage"), err)
		}
		return processStats{
			Pid:        int(proc.Pid),
			RSS:        mem.RSS,
			RSSHuman:   humanize.Bytes(mem.RSS),
			CPUPercent: cpu,
			Goroutines: runtime.NumGoroutine(),
			Uptime:     time.Since(c.started).Round(time.Second).String(),
		}, nil
	})

	c.evals.Register("commands.list", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.commands.List(), nil
	})
}
