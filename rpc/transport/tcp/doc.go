// Package tcp implements the TCP socket transport between the cluster manager
// and its children. It provides the connectors for the base package, which
// does the framing and request correlation.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both sides disable Nagle's algorithm and enable keep-alive. Use TCP when the
// manager runs on a platform without unix sockets or children run in separate
// network namespaces.
package tcp
