package mesh

import (
	"errors"
	"fmt"
	"runtime/debug"

	"luminamesh/models"
)

// Event types accepted by OnMessage.
const (
	EventData           = "data"
	EventPeerDiscovered = "peer_discovered"
)

var (
	// ErrUnknownEvent indicates an event type other than EventData or EventPeerDiscovered.
	ErrUnknownEvent = errors.New("mesh: unknown event type")
	// ErrHandlerType indicates a handler whose signature does not match its event type.
	ErrHandlerType = errors.New("mesh: handler type does not match event")
)

// DataHandler receives each authenticated message with its resolved sender.
type DataHandler func(msg models.Message)

// PeerHandler receives a peer the first time it is discovered.
type PeerHandler func(peer models.Peer)

// OnMessage registers the handler for eventType. Each event type holds one
// handler and a later registration replaces the earlier one. A nil handler
// clears the registration.
//
// EventData takes a DataHandler or func(models.Message); EventPeerDiscovered
// takes a PeerHandler or func(models.Peer).
func (p *Protocol) OnMessage(eventType string, handler any) error {
	switch eventType {
	case EventData:
		switch h := handler.(type) {
		case nil:
			p.OnData(nil)
		case DataHandler:
			p.OnData(h)
		case func(models.Message):
			p.OnData(h)
		default:
			return fmt.Errorf("%w: %s wants func(models.Message), got %T", ErrHandlerType, eventType, handler)
		}
	case EventPeerDiscovered:
		switch h := handler.(type) {
		case nil:
			p.OnPeerDiscovered(nil)
		case PeerHandler:
			p.OnPeerDiscovered(h)
		case func(models.Peer):
			p.OnPeerDiscovered(h)
		default:
			return fmt.Errorf("%w: %s wants func(models.Peer), got %T", ErrHandlerType, eventType, handler)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	return nil
}

// OnData registers the data handler, replacing any earlier one.
func (p *Protocol) OnData(handler DataHandler) {
	p.handlersMu.Lock()
	p.dataHandler = handler
	p.handlersMu.Unlock()
}

// OnPeerDiscovered registers the peer handler, replacing any earlier one.
func (p *Protocol) OnPeerDiscovered(handler PeerHandler) {
	p.handlersMu.Lock()
	p.peerHandler = handler
	p.handlersMu.Unlock()
}

func (p *Protocol) currentDataHandler() DataHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.dataHandler
}

func (p *Protocol) currentPeerHandler() PeerHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.peerHandler
}

// invoke runs a collaborator callback; a panic is logged and swallowed so the
// calling loop keeps serving.
func (p *Protocol) invoke(eventType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.handlerPanics.Inc()
			p.log.WithField("event", eventType).
				WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("handler panicked")
		}
	}()
	fn()
}
