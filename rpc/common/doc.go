// Package common provides the data structures shared by the cluster manager
// and its child processes. It defines the IPC envelope, the closed set of
// payload variants, the configuration structures and the logging setup.
//
// Key Components:
//
//   - Message: The {op, d} envelope of every manager<->child exchange. The
//     opcode travels as an integer, Data holds the JSON encoding of exactly one
//     payload variant. Decode validates the variant at the boundary.
//
//   - Payload: Closed set of typed variants (Ready, Close, ShardState,
//     IdentifyRequest/IdentifyGrant, RestRequest/RestResponse,
//     EvalRequest/EvalResponse, RespawnAll, FillInteractionCommands).
//
//   - SerializedError: Wire form of an error (name, message, stack). Rehydrate
//     turns it back into a RemoteError on the receiving side.
//
//   - ManagerConfig / ChildConfig: Configuration of both process roles. The
//     child configuration travels as environment variables (Env / ParseChildEnv).
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logger facade and provides consistent formatting across processes.
package common
