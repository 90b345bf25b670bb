// Package cmd implements the command-line interface of dShard. It provides
// the manager command and the hidden child command the manager starts for
// every cluster.
//
// The package is organized into several subpackages:
//
//   - manager: Command starting the cluster manager (dshard manage)
//   - child: Command running the shards of one cluster (spawned by the manager)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dshard -help for a list of all commands.
package cmd
