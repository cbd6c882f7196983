package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrUnknownPeer indicates a send to a mesh id that is not in the peer table.
	ErrUnknownPeer = errors.New("network: unknown peer")
)

// SenderOptions configures outbound delivery.
type SenderOptions struct {
	LocalMeshID string
	Cipher      Cipher
	Peers       PeerResolver
	SendTimeout time.Duration
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	return out
}

// Sender delivers one encrypted frame per TCP connection. Connections are
// never pooled or reused.
type Sender struct {
	options SenderOptions
	dialer  net.Dialer
}

// NewSender validates options and returns a Sender.
func NewSender(options SenderOptions) (*Sender, error) {
	opts := options.withDefaults()
	if err := ValidateMeshID(opts.LocalMeshID); err != nil {
		return nil, err
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if opts.Peers == nil {
		return nil, errors.New("peer resolver is required")
	}

	return &Sender{
		options: opts,
		dialer:  net.Dialer{Timeout: opts.SendTimeout},
	}, nil
}

// BuildEnvelope encrypts one typed message for peerID and wraps it in an envelope.
func (s *Sender) BuildEnvelope(peerID, messageType string, payload []byte) ([]byte, string, error) {
	peer, ok := s.options.Peers.Get(peerID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	body, err := EncodeMessage(messageType, payload)
	if err != nil {
		return nil, "", err
	}

	sealed, err := s.options.Cipher.Encrypt(peer.PublicKey[:], body)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt for %q: %w", peerID, err)
	}

	envelope, err := EncodeEnvelope(s.options.LocalMeshID, sealed)
	if err != nil {
		return nil, "", err
	}
	if len(envelope) > MaxMessageSize {
		return nil, "", ErrFrameTooLarge
	}

	return envelope, peer.Addr(), nil
}

// Send resolves peerID, encrypts the message and writes it over a fresh connection.
func (s *Sender) Send(ctx context.Context, peerID, messageType string, payload []byte) error {
	envelope, address, err := s.BuildEnvelope(peerID, messageType, payload)
	if err != nil {
		return err
	}
	return s.deliver(ctx, address, envelope)
}

func (s *Sender) deliver(ctx context.Context, address string, envelope []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.SendTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(conn, envelope); err != nil {
		return fmt.Errorf("send to %q: %w", address, err)
	}

	return nil
}
