// Package cluster distributes the gateway shards of an application across
// child processes and makes the identify rate limit of Discord hold across
// all of them.
//
// Key Components:
//
//   - ClusterManager: Resolves the shard layout, partitions the shards into
//     clusters and spawns one child per cluster, one after the other. It owns
//     one bucket per ratelimit key (shardID % maxConcurrency) shared by all
//     clusters, so identify admission is global although the children only
//     talk to the manager through IPC.
//
//   - ClusterProcess: The manager side record of one spawned child. Answers
//     IDENTIFY_REQUEST, REST_REQUEST and EVAL of the child, tracks READY and
//     rejects pending requests when the child exits.
//
//   - ClusterClient: Owns the sockets of the shards of one cluster. Every
//     socket asks before it identifies, the client answers by requesting a
//     grant from the manager (managed) or from its own buckets (standalone).
//
//   - ClusterProcessChild: The child side of a managed cluster. Runs the
//     client, reports READY, answers EVAL and REST_REQUEST of the manager and
//     applies FILL_INTERACTION_COMMANDS, RESPAWN_ALL and CLOSE.
//
//   - IdentifyWaiters: At most one outstanding identify per shard. A second
//     request for the same shard rejects the first with ErrDuplicateIdentify.
//
//   - EvalRegistry: The allow-list of named operations an EVAL may run.
//
//   - ISpawner: Starts children. ExecSpawner starts OS processes,
//     InProcessSpawner runs children as goroutines over the same IPC.
//
// Lifecycle:
//
//	spawned -> ready -> exited. A child that exits without announcing it
//	with CLOSE is respawned with the same shard range if respawn is enabled.
//	Respawns back off exponentially from the launch delay until the child
//	reports READY again.
//
// Usage Example:
//
//	ipc := server.NewIPCServer(cfg.IPC, unix.NewUnixServerTransport(), serializer.NewJSONSerializer())
//	m, err := cluster.NewClusterManager(cfg, cluster.NewExecSpawner(exe, []string{"child"}), ipc, rest.NewClient(rest.DefaultBaseURL, cfg.Token))
//	if err != nil {
//	  return err
//	}
//	m.OnEvent(func(e cluster.Event) { log.Println(e) })
//	if err := m.Run(ctx); err != nil {
//	  return err
//	}
//	results, err := m.BroadcastEval(ctx, "cluster.info", nil)
package cluster
