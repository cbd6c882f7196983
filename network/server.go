package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"luminamesh/models"
)

var (
	// ErrUnknownSender indicates an envelope from a mesh id with no learned key.
	ErrUnknownSender = errors.New("network: unknown sender")
)

// Cipher is the subset of the key manager the transport needs.
type Cipher interface {
	Encrypt(peerPublicKey, plaintext []byte) ([]byte, error)
	Decrypt(peerPublicKey, blob []byte) ([]byte, error)
}

// PeerResolver looks up a peer's address and public key by mesh id.
type PeerResolver interface {
	Get(meshID string) (models.Peer, bool)
}

// DropError describes an inbound frame that was discarded.
type DropError struct {
	Remote string
	Sender string
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Sender != "" {
		return fmt.Sprintf("drop frame from %s (sender %s): %s: %v", e.Remote, e.Sender, e.Reason, e.Err)
	}
	return fmt.Sprintf("drop frame from %s: %s: %v", e.Remote, e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

// Drop reasons reported through ServerOptions.OnError.
const (
	DropReasonRead     = "read"
	DropReasonTooLarge = "too_large"
	DropReasonEnvelope = "envelope"
	DropReasonUnknown  = "unknown_sender"
	DropReasonDecrypt  = "decrypt"
	DropReasonMessage  = "message"
)

// ServerOptions configures the inbound data channel.
type ServerOptions struct {
	Cipher      Cipher
	Peers       PeerResolver
	ReadTimeout time.Duration

	// OnMessage receives every authenticated message. It runs on the
	// connection's goroutine.
	OnMessage func(models.Message)
	// OnError receives accept failures and *DropError values.
	OnError func(error)

	Now func() time.Time
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Cipher == nil {
		return errors.New("cipher is required")
	}
	if o.Peers == nil {
		return errors.New("peer resolver is required")
	}
	if o.OnMessage == nil {
		return errors.New("message callback is required")
	}
	return nil
}

// Server accepts inbound data-channel connections, one frame per connection.
type Server struct {
	listener net.Listener
	options  ServerOptions

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a TCP listener and starts the accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultDataPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Close stops accepting, aborts in-flight connections and waits for handlers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()

	frame, err := ReadFrameWithTimeout(conn, s.options.ReadTimeout)
	if err != nil {
		reason := DropReasonRead
		if errors.Is(err, ErrFrameTooLarge) {
			reason = DropReasonTooLarge
		}
		s.reportError(&DropError{Remote: remote, Reason: reason, Err: err})
		return
	}

	message, err := s.openFrame(remote, frame)
	if err != nil {
		s.reportError(err)
		return
	}

	s.options.OnMessage(message)
}

func (s *Server) openFrame(remote string, frame []byte) (models.Message, error) {
	senderID, sealed, err := DecodeEnvelope(frame)
	if err != nil {
		return models.Message{}, &DropError{Remote: remote, Reason: DropReasonEnvelope, Err: err}
	}

	sender, ok := s.options.Peers.Get(senderID)
	if !ok {
		return models.Message{}, &DropError{Remote: remote, Sender: senderID, Reason: DropReasonUnknown, Err: ErrUnknownSender}
	}

	plaintext, err := s.options.Cipher.Decrypt(sender.PublicKey[:], sealed)
	if err != nil {
		return models.Message{}, &DropError{Remote: remote, Sender: senderID, Reason: DropReasonDecrypt, Err: err}
	}

	msgType, payload, err := DecodeMessage(plaintext)
	if err != nil {
		return models.Message{}, &DropError{Remote: remote, Sender: senderID, Reason: DropReasonMessage, Err: err}
	}

	return models.Message{
		Type:       msgType,
		Payload:    payload,
		From:       sender,
		ReceivedAt: s.options.Now(),
	}, nil
}

func (s *Server) reportError(err error) {
	if err == nil || s.options.OnError == nil {
		return
	}

	// Listener shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		select {
		case <-s.closed:
			return
		default:
		}
	}

	s.options.OnError(err)
}
