package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the envelope of every manager<->child exchange. Data holds the
// JSON encoding of exactly one payload variant matching Op. Err is only set
// on MsgOpError replies.
type Message struct {
	Op   OpCode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Err  string          `json:"err,omitempty"`
}

// ErrInvalidMessage is returned when a message fails boundary validation
var ErrInvalidMessage = errors.New("invalid message")

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewMessage encodes a payload into a message
func NewMessage(p Payload) (*Message, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, p.Op(), err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Message{
		Op:   p.Op(),
		Data: data,
	}, nil
}

// NewErrorMessage creates an error reply
func NewErrorMessage(err string) *Message {
	return &Message{
		Op:  OpError,
		Err: err,
	}
}

// Decode returns the payload variant carried by the message. Unknown opcodes
// and payloads failing validation are rejected.
func (m *Message) Decode() (Payload, error) {
	var p Payload
	switch m.Op {
	case OpReady:
		p = &Ready{}
	case OpClose:
		p = &Close{}
	case OpShardState:
		p = &ShardState{}
	case OpIdentifyRequest:
		p = &IdentifyRequest{}
	case OpIdentifyGrant:
		p = &IdentifyGrant{}
	case OpRestRequest:
		p = &RestRequest{}
	case OpRestResponse:
		p = &RestResponse{}
	case OpEval:
		p = &EvalRequest{}
	case OpEvalResponse:
		p = &EvalResponse{}
	case OpRespawnAll:
		p = &RespawnAll{}
	case OpFillInteractionCommands:
		p = &FillInteractionCommands{}
	case OpError:
		return nil, fmt.Errorf("%w: error replies carry no payload", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidMessage, uint8(m.Op))
	}

	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Op, err)
		}
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Op, err)
	}
	return p, nil
}

// --------------------------------------------------------------------------
// Op Code Definition
// --------------------------------------------------------------------------

// OpCode identifies the payload variant of a message
type OpCode uint8

const (
	OpUnknown OpCode = iota

	OpReady                   // child -> manager: cluster is ready
	OpClose                   // either: graceful shutdown notice
	OpShardState              // child -> manager: shard state change
	OpIdentifyRequest         // child -> manager: ask for an identify grant
	OpRestRequest             // either: execute a forwardable REST method
	OpEval                    // either: run a registered evaluator
	OpRespawnAll              // manager -> child: graceful restart
	OpFillInteractionCommands // manager -> child: persisted command snapshot
)

// Reply variants
const (
	OpIdentifyGrant OpCode = 0x80 + iota // reply to OpIdentifyRequest
	OpRestResponse                       // reply to OpRestRequest
	OpEvalResponse                       // reply to OpEval

	OpError OpCode = 0xff // request could not be handled
)

// String returns the string representation of an OpCode.
func (o OpCode) String() string {
	switch o {
	case OpReady:
		return "READY"
	case OpClose:
		return "CLOSE"
	case OpShardState:
		return "SHARD_STATE"
	case OpIdentifyRequest:
		return "IDENTIFY_REQUEST"
	case OpRestRequest:
		return "REST_REQUEST"
	case OpEval:
		return "EVAL"
	case OpRespawnAll:
		return "RESPAWN_ALL"
	case OpFillInteractionCommands:
		return "FILL_INTERACTION_COMMANDS"
	case OpIdentifyGrant:
		return "IDENTIFY_GRANT"
	case OpRestResponse:
		return "REST_RESPONSE"
	case OpEvalResponse:
		return "EVAL_RESPONSE"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// ResponseOp returns the reply opcode expected for a request opcode
func (o OpCode) ResponseOp() (OpCode, bool) {
	switch o {
	case OpIdentifyRequest:
		return OpIdentifyGrant, true
	case OpRestRequest:
		return OpRestResponse, true
	case OpEval:
		return OpEvalResponse, true
	default:
		return OpUnknown, false
	}
}
