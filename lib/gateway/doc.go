// Package gateway declares the collaborators the cluster layer consumes from
// a gateway client: the per-shard socket with its identify check hook and
// state events, and the local interaction command registry.
//
// SimulatedSocket is a socket without a network connection. It completes the
// identify handshake after a fixed delay and is used wherever no real
// gateway implementation is plugged in.
package gateway
