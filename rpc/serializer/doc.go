// Package serializer turns the IPC envelope (common.Message) into bytes and
// back. The transport layer frames these bytes, the serializer never sees the
// frame header.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: Produces the plain {"op":<int>,"d":<payload>} envelope.
//     This is the default because it is readable in debug logs and matches the
//     payload encoding.
//
//   - binarySerializerImpl: Custom format (op byte, flag byte, length prefixed
//     data and error). Avoids re-encoding the already JSON encoded payload.
//
//   - gobSerializerImpl: Go's gob encoding. Kept for completeness, it produces the
//     largest frames since every frame carries its own type description.
//
// ByName resolves the serializer named in the IPC configuration. Manager and
// child must use the same serializer, the manager passes its choice to the
// child through CLUSTER_IPC_SERIALIZER.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
package serializer
