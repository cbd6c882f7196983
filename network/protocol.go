package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

const (
	// DefaultDataPort is the TCP port of the encrypted data channel.
	DefaultDataPort = 45679
	// MaxMessageSize is the largest accepted frame body (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024
	// MeshIDSize is the fixed length of the sender id at the start of an envelope.
	MeshIDSize = 8
	// DefaultReadTimeout bounds reading one inbound frame.
	DefaultReadTimeout = 10 * time.Second
	// DefaultSendTimeout bounds dialing and writing one outbound frame.
	DefaultSendTimeout = 5 * time.Second

	frameHeaderSize = 4
)

var (
	// ErrFrameTooLarge indicates a declared or actual body above MaxMessageSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedEnvelope indicates a frame too short to hold a sender id.
	ErrMalformedEnvelope = errors.New("network: malformed envelope")
	// ErrMalformedMessage indicates a decrypted body without a valid type header.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrInvalidMeshID indicates a mesh id that is not exactly MeshIDSize bytes.
	ErrInvalidMeshID = errors.New("network: mesh id must be 8 bytes")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. Oversized declarations are
// rejected before any of the body is consumed.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxMessageSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// ValidateMeshID checks that id fits the fixed-width envelope header.
func ValidateMeshID(id string) error {
	if len(id) != MeshIDSize {
		return fmt.Errorf("%w: got %q", ErrInvalidMeshID, id)
	}
	return nil
}

// EncodeEnvelope prefixes a sealed blob with the sender mesh id.
func EncodeEnvelope(senderID string, sealed []byte) ([]byte, error) {
	if err := ValidateMeshID(senderID); err != nil {
		return nil, err
	}

	envelope := make([]byte, MeshIDSize+len(sealed))
	copy(envelope, senderID)
	copy(envelope[MeshIDSize:], sealed)
	return envelope, nil
}

// DecodeEnvelope splits an envelope into sender mesh id and sealed blob.
func DecodeEnvelope(envelope []byte) (string, []byte, error) {
	if len(envelope) < MeshIDSize {
		return "", nil, ErrMalformedEnvelope
	}
	return string(envelope[:MeshIDSize]), envelope[MeshIDSize:], nil
}

// EncodeMessage builds the plaintext carried inside an envelope:
// u16 type length, type bytes, payload bytes.
func EncodeMessage(messageType string, payload []byte) ([]byte, error) {
	if len(messageType) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: type too long", ErrMalformedMessage)
	}

	body := make([]byte, 2+len(messageType)+len(payload))
	binary.BigEndian.PutUint16(body, uint16(len(messageType)))
	copy(body[2:], messageType)
	copy(body[2+len(messageType):], payload)
	return body, nil
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, ErrMalformedMessage
	}

	typeLen := int(binary.BigEndian.Uint16(body))
	if len(body) < 2+typeLen {
		return "", nil, ErrMalformedMessage
	}

	payload := make([]byte, len(body)-2-typeLen)
	copy(payload, body[2+typeLen:])
	return string(body[2 : 2+typeLen]), payload, nil
}
