// Package client turns a raw transport peer into a typed message channel. Both
// the manager (one channel per child) and every child (one channel to the
// manager) talk through a Channel.
//
// Key Components:
//
//   - Channel: Serializes and validates payloads, matches replies to requests
//     and converts error replies into errors wrapping ErrRemote.
//
//   - IMessageHandler: Receives the decoded requests and notifications of a
//     channel. Requests are handled concurrently, notifications in order.
//
//   - Dial: Connects a child to its manager, authenticating with the secret of
//     the IPC configuration.
//
// Usage Example:
//
//	ch, err := client.Dial(cfg.IPC, cfg.ClusterID, unix.NewUnixClientTransport(), serializer.NewJSONSerializer())
//	if err != nil {
//	  return err
//	}
//	ch.Serve(handler)
//
//	reply, err := ch.Invoke(ctx, &common.IdentifyRequest{ShardID: 3})
//
// Thread Safety:
//
//	A Channel is safe for concurrent use from multiple goroutines.
package client
