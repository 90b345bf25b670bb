// Package base provides the protocol independent part of the manager<->child
// transport. It frames bytes on a stream connection and correlates requests
// with replies, the unix and tcp packages only supply connectors.
//
// Frame format:
//
//	clusterID u64 | nonce u64 | kind u8 | length u32 | payload
//
// The kind is one of hello (first frame sent by a child, carries the
// authentication payload), notify, request or response. A response carries the
// nonce of its request. Nonces are allocated per connection and per direction.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - peer: One established connection. Requests register a reply channel in a
//     concurrent map keyed by nonce before the frame is written. When the
//     connection drops every pending request is rejected with
//     transport.ErrPeerClosed.
//
//   - serverTransport: Accepts connections in the background, reads the hello
//     frame within a deadline and passes the peer to the connect callback.
//
//   - clientTransport: Dials with exponential backoff and jitter and sends the
//     hello frame.
//
//   - NewPipe: Two in-memory peers for tests.
//
// Thread Safety:
//
//	All public methods are thread-safe. Writes are serialized per connection,
//	incoming requests are handled in their own goroutine while notifications are
//	handled in order on the read goroutine.
package base
