// Package transport defines the interfaces of the byte level connection
// between the cluster manager and its child processes. Unlike a plain
// request/response RPC both ends of a connection are equal: either side sends
// notifications and requests, replies are matched by a per-connection nonce.
//
// Key Components:
//
//   - IPeer: One established connection. Carries notifications (fire and
//     forget, delivered in order) and requests (correlated by nonce, rejected
//     with ErrPeerClosed when the connection drops).
//
//   - IRPCServerTransport: Manager side. Accepts connections and hands every
//     peer that sent a valid hello frame to the connect callback.
//
//   - IRPCClientTransport: Child side. Dials the manager and sends the hello frame.
//
// Implementations live in the base (protocol independent framing) and the
// unix and tcp sub packages.
package transport
