package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dShard/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
//
// Layout: op (1 byte) | flags (1 byte) | [len u32 | data] | [len u32 | err]
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasData byte = 1 << 0
	hasErr  byte = 1 << 1
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.Op)

	var flags byte = 0
	pos := 2 // Start after Op and flags

	// Handle Data
	if msg.Data != nil {
		flags |= hasData
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Data)))
		pos += 4
		pos += copy(result[pos:], msg.Data)
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Err)))
		pos += 4
		copy(result[pos:], msg.Err)
	}

	result[1] = flags
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 2 {
		return fmt.Errorf("data too short: %d bytes", len(data))
	}

	msg.Op = common.OpCode(data[0])
	flags := data[1]
	pos := 2

	if flags&^(hasData|hasErr) != 0 {
		return fmt.Errorf("unknown flags: %08b", flags)
	}

	// Handle Data
	msg.Data = nil
	if flags&hasData != 0 {
		field, next, err := readField(data, pos)
		if err != nil {
			return fmt.Errorf("data: %w", err)
		}
		msg.Data = make([]byte, len(field))
		copy(msg.Data, field)
		pos = next
	}

	// Handle Err
	msg.Err = ""
	if flags&hasErr != 0 {
		field, next, err := readField(data, pos)
		if err != nil {
			return fmt.Errorf("err: %w", err)
		}
		msg.Err = string(field)
		pos = next
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes", len(data)-pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the exact number of bytes needed to serialize the message
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := 2 // Op + flags
	if msg.Data != nil {
		size += 4 + len(msg.Data)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	return size
}

// readField reads a length prefixed field starting at pos
func readField(data []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("missing length at offset %d", pos)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return nil, pos, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(data)-pos)
	}
	return data[pos : pos+n], pos + n, nil
}
