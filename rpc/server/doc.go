// Package server implements the manager side of the IPC layer. It accepts the
// connections of spawned children, checks the secret of the hello frame and
// routes every connection to the process record that spawned it.
//
// Key Components:
//
//   - IPCServer: Listens on the configured transport. Expect announces a spawn
//     and returns the channel the child's connection will be delivered on.
//     Forget withdraws the announcement when the child died before connecting.
//
// Usage Example:
//
//	s := server.NewIPCServer(cfg.IPC, tcp.NewTCPServerTransport(), serializer.NewJSONSerializer())
//	if err := s.Listen(); err != nil {
//	  return err
//	}
//	conn := s.Expect(0)
//	// spawn cluster 0 with CLUSTER_IPC_ENDPOINT=s.Endpoint()
//	ch := <-conn
//	ch.Serve(handler)
package server
