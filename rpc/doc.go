// Package rpc provides the IPC layer between the cluster manager and its
// children. Every child holds exactly one bidirectional connection to the
// manager, both sides can send notifications and requests over it.
//
// The package is organized into several subpackages:
//
//   - common: The {op, d} message protocol with its typed payloads, the
//     manager and child configuration and the logger setup.
//
//   - transport: Framed peer connections with request correlation and
//     pluggable connectors (Unix sockets, TCP).
//
//   - serializer: Envelope serialization with multiple format options
//     (JSON, Binary, GOB).
//
//   - client: The Channel wrapping a peer with typed Send, Invoke and Serve,
//     and Dial for children.
//
//   - server: The IPCServer of the manager. It authenticates the hello frame
//     of every child and hands out one Channel per cluster.
package rpc
