package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/lib/shards"
)

// Payload is implemented by every message variant. The set is closed: only
// types of this package implement it.
type Payload interface {
	Op() OpCode
	validate() error
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

// Ready marks a cluster as ready
type Ready struct {
	ClusterID  int `json:"cluster_id"`
	ShardStart int `json:"shard_start"`
	ShardEnd   int `json:"shard_end"`
}

func (*Ready) Op() OpCode { return OpReady }
func (p *Ready) validate() error {
	if p.ClusterID < 0 || p.ShardStart < 0 || p.ShardEnd < p.ShardStart {
		return fmt.Errorf("malformed range [%d, %d] for cluster %d", p.ShardStart, p.ShardEnd, p.ClusterID)
	}
	return nil
}

// Close announces a graceful shutdown
type Close struct {
	Reason string `json:"reason,omitempty"`
}

func (*Close) Op() OpCode       { return OpClose }
func (*Close) validate() error { return nil }

// ShardState reports a shard state change
type ShardState struct {
	ShardID int           `json:"shard_id"`
	State   shards.Status `json:"state"`
}

func (*ShardState) Op() OpCode { return OpShardState }
func (p *ShardState) validate() error {
	if p.ShardID < 0 {
		return fmt.Errorf("negative shard id %d", p.ShardID)
	}
	if !p.State.Valid() {
		return fmt.Errorf("unknown shard state %q", p.State)
	}
	return nil
}

// RespawnAll asks a child to restart gracefully
type RespawnAll struct{}

func (*RespawnAll) Op() OpCode       { return OpRespawnAll }
func (*RespawnAll) validate() error { return nil }

// FillInteractionCommands carries the persisted application command set
type FillInteractionCommands struct {
	Data []gateway.ApplicationCommand `json:"data"`
}

func (*FillInteractionCommands) Op() OpCode { return OpFillInteractionCommands }
func (p *FillInteractionCommands) validate() error {
	for i, cmd := range p.Data {
		if cmd.Name == "" {
			return fmt.Errorf("command %d has no name", i)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Requests & Replies
// --------------------------------------------------------------------------

// IdentifyRequest asks the manager for permission to identify a shard
type IdentifyRequest struct {
	ShardID int `json:"shard_id"`
}

func (*IdentifyRequest) Op() OpCode { return OpIdentifyRequest }
func (p *IdentifyRequest) validate() error {
	if p.ShardID < 0 {
		return fmt.Errorf("negative shard id %d", p.ShardID)
	}
	return nil
}

// IdentifyGrant allows a shard to identify
type IdentifyGrant struct {
	ShardID int `json:"shard_id"`
}

func (*IdentifyGrant) Op() OpCode { return OpIdentifyGrant }
func (p *IdentifyGrant) validate() error {
	if p.ShardID < 0 {
		return fmt.Errorf("negative shard id %d", p.ShardID)
	}
	return nil
}

// RestRequest names an allow-listed REST method to execute on the receiver
type RestRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (*RestRequest) Op() OpCode { return OpRestRequest }
func (p *RestRequest) validate() error {
	if strings.TrimSpace(p.Method) == "" {
		return fmt.Errorf("empty method name")
	}
	return nil
}

// RestResponse is the outcome of a RestRequest
type RestResponse struct {
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *SerializedError `json:"error,omitempty"`
}

func (*RestResponse) Op() OpCode       { return OpRestResponse }
func (*RestResponse) validate() error { return nil }

// EvalRequest names a registered evaluator to run on the receiver
type EvalRequest struct {
	Code string          `json:"code"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (*EvalRequest) Op() OpCode { return OpEval }
func (p *EvalRequest) validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("empty eval code")
	}
	return nil
}

// EvalResponse is the outcome of an EvalRequest
type EvalResponse struct {
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *SerializedError `json:"error,omitempty"`
}

func (*EvalResponse) Op() OpCode       { return OpEvalResponse }
func (*EvalResponse) validate() error { return nil }

// Empty reports whether the response carries neither a result nor an error
func (p *EvalResponse) Empty() bool {
	return p.Error == nil && (len(p.Result) == 0 || string(p.Result) == "null")
}

// --------------------------------------------------------------------------
// Serialized Errors
// --------------------------------------------------------------------------

// SerializedError is the wire form of an error. Error values never cross the
// process boundary, only their name, message and stack.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// SerializeError reduces an error to its wire form. A RemoteError keeps its
// original name and stack.
func SerializeError(err error, stack string) *SerializedError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &SerializedError{Name: remote.Name, Message: remote.Message, Stack: remote.Stack}
	}
	return &SerializedError{
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   stack,
	}
}

// errorName returns the type name of an error. Errors created by the errors
// and fmt packages carry no useful type and are all named "Error".
func errorName(err error) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	switch name {
	case "errors.errorString", "errors.joinError", "fmt.wrapError", "fmt.wrapErrors":
		return "Error"
	default:
		return name
	}
}

// Rehydrate reconstructs an error value from the wire form
func (e *SerializedError) Rehydrate() error {
	if e == nil {
		return nil
	}
	return &RemoteError{Name: e.Name, Message: e.Message, Stack: e.Stack}
}

// RemoteError is an error raised in another process
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}
