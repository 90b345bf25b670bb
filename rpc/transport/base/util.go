package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// frameKind distinguishes the four frame types sharing one connection
type frameKind uint8

const (
	kindHello    frameKind = 1 // first frame of a connection, child -> manager
	kindNotify   frameKind = 2 // no reply expected
	kindRequest  frameKind = 3 // reply expected with the same nonce
	kindResponse frameKind = 4 // reply to a request
)

const (
	headerSize = 21

	// maxFrameSize limits the payload of a single frame
	maxFrameSize = 64 << 20
)

func (k frameKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindNotify:
		return "notify"
	case kindRequest:
		return "request"
	case kindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// frame is a decoded frame
type frame struct {
	clusterID uint64
	nonce     uint64
	kind      frameKind
	data      []byte
}

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: clusterID (uint64, big endian)
// - 8 bytes: nonce (uint64, big endian)
// - 1 byte:  frame kind
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, f frame) error {
	if len(f.data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", len(f.data), maxFrameSize)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], f.clusterID)
	binary.BigEndian.PutUint64(header[8:16], f.nonce)
	header[16] = byte(f.kind)
	binary.BigEndian.PutUint32(header[17:21], uint32(len(f.data)))

	b := net.Buffers{header}
	if len(f.data) > 0 {
		b = append(b, f.data)
	}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame from the connection. The returned data is owned by
// the caller since it is handed to handlers running in other goroutines.
func readFrame(conn net.Conn) (frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		clusterID: binary.BigEndian.Uint64(header[:8]),
		nonce:     binary.BigEndian.Uint64(header[8:16]),
		kind:      frameKind(header[16]),
	}
	if f.kind < kindHello || f.kind > kindResponse {
		return frame{}, fmt.Errorf("unknown frame kind %d", header[16])
	}

	contentLength := binary.BigEndian.Uint32(header[17:21])
	if contentLength > maxFrameSize {
		return frame{}, fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", contentLength, maxFrameSize)
	}

	f.data = make([]byte, contentLength)
	if _, err := io.ReadFull(conn, f.data); err != nil {
		return frame{}, err
	}
	return f, nil
}
