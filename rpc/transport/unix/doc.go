// Package unix implements the manager<->child transport using Unix domain
// sockets. It is the default transport since manager and children always run
// on the same machine.
//
// This package supplies the connectors for the base package, which does the
// framing and request correlation.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates the socket file (replacing a stale one left by a
//     crashed manager) and restricts it to the owning user
//
// Performance Characteristics:
//
//   - Reduced overhead: Eliminates TCP/IP stack processing for better performance
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem overhead
package unix
