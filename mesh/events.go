package mesh

import (
	"errors"

	"github.com/sirupsen/logrus"

	appcrypto "luminamesh/crypto"
	"luminamesh/models"
	"luminamesh/network"
	"luminamesh/peers"
	"luminamesh/storage"
)

// Security log event types.
const (
	SecurityEventKeyChanged          = "key_changed"
	SecurityEventKeyMismatchRejected = "key_mismatch_rejected"
	SecurityEventDecryptFailed       = "decrypt_failed"
	SecurityEventUnknownSender       = "unknown_sender"
	SecurityEventFrameTooLarge       = "frame_too_large"
)

// deliver runs on the data listener's connection goroutine.
func (p *Protocol) deliver(msg models.Message) {
	p.messagesReceived.Add(1)
	p.metrics.messagesReceived.Inc()

	handler := p.currentDataHandler()
	if handler == nil {
		p.log.WithFields(logrus.Fields{
			"peer": msg.From.MeshID,
			"type": msg.Type,
		}).Debug("no data handler registered; message discarded")
		return
	}

	p.invoke(EventData, func() {
		handler(msg)
	})
}

// ingestPeer runs on the discovery goroutines for every valid announcement.
func (p *Protocol) ingestPeer(peer models.Peer) {
	result, err := p.table.Upsert(peer)
	switch {
	case errors.Is(err, peers.ErrKeyMismatch):
		p.metrics.keyChanges.WithLabelValues(storage.KeyChangeDecisionRejected).Inc()
		p.log.WithFields(logrus.Fields{
			"peer": peer.MeshID,
			"addr": peer.Addr(),
		}).Warn("rejected announcement with a key that does not match the pinned key")
		p.recordKeyChange(result.Previous, peer, storage.KeyChangeDecisionRejected)
		return
	case err != nil:
		p.log.WithError(err).WithField("peer", peer.MeshID).Debug("ignored announcement")
		return
	}

	if result.KeyChanged {
		p.metrics.keyChanges.WithLabelValues(storage.KeyChangeDecisionAccepted).Inc()
		p.log.WithFields(logrus.Fields{
			"peer": peer.MeshID,
			"addr": peer.Addr(),
		}).Warn("peer announced a new public key")
		p.recordKeyChange(result.Previous, peer, storage.KeyChangeDecisionAccepted)
	}

	p.recordSighting(result.Peer)

	if !result.Discovered {
		return
	}

	p.metrics.peersDiscovered.Inc()
	p.log.WithFields(logrus.Fields{
		"peer":      peer.MeshID,
		"addr":      peer.Addr(),
		"peer_role": peer.Role,
	}).Info("peer discovered")

	if handler := p.currentPeerHandler(); handler != nil {
		p.invoke(EventPeerDiscovered, func() {
			handler(result.Peer)
		})
	}
}

func (p *Protocol) handleTransportError(err error) {
	var drop *network.DropError
	if !errors.As(err, &drop) {
		p.log.WithError(err).Warn("data listener error")
		return
	}

	p.metrics.framesDropped.WithLabelValues(drop.Reason).Inc()

	entry := p.log.WithError(drop.Err).WithFields(logrus.Fields{
		"addr":   drop.Remote,
		"reason": drop.Reason,
	})
	if drop.Sender != "" {
		entry = entry.WithField("peer", drop.Sender)
	}

	switch drop.Reason {
	case network.DropReasonUnknown:
		entry.Debug("dropped frame from unknown sender")
		p.logSecurityEvent(SecurityEventUnknownSender, drop.Sender, storage.SecuritySeverityInfo, drop.Remote)
	case network.DropReasonDecrypt:
		entry.Warn("dropped frame that failed authentication")
		p.logSecurityEvent(SecurityEventDecryptFailed, drop.Sender, storage.SecuritySeverityWarning, drop.Remote)
	case network.DropReasonTooLarge:
		entry.Warn("dropped oversized frame")
		p.logSecurityEvent(SecurityEventFrameTooLarge, drop.Sender, storage.SecuritySeverityWarning, drop.Remote)
	default:
		entry.Debug("dropped inbound frame")
	}
}

func (p *Protocol) recordSighting(peer models.Peer) {
	if p.opts.SecurityLog == nil {
		return
	}
	err := p.opts.SecurityLog.RecordPeerSighting(storage.PeerSighting{
		MeshID:         peer.MeshID,
		Hostname:       peer.Hostname,
		Role:           peer.Role,
		IPAddress:      peer.IPAddress,
		Port:           peer.Port,
		KeyFingerprint: appcrypto.KeyFingerprint(peer.PublicKey[:]),
		LastSeen:       peer.LastSeen.UnixMilli(),
	})
	if err != nil {
		p.log.WithError(err).WithField("peer", peer.MeshID).Warn("record peer sighting")
	}
}

func (p *Protocol) recordKeyChange(previous, presented models.Peer, decision string) {
	if p.opts.SecurityLog == nil {
		return
	}

	oldFingerprint := appcrypto.KeyFingerprint(previous.PublicKey[:])
	newFingerprint := appcrypto.KeyFingerprint(presented.PublicKey[:])

	if err := p.opts.SecurityLog.RecordKeyChange(storage.KeyChange{
		PeerMeshID:        presented.MeshID,
		OldKeyFingerprint: oldFingerprint,
		NewKeyFingerprint: newFingerprint,
		Decision:          decision,
	}); err != nil {
		p.log.WithError(err).WithField("peer", presented.MeshID).Warn("record key change")
	}

	eventType, severity := SecurityEventKeyChanged, storage.SecuritySeverityWarning
	if decision == storage.KeyChangeDecisionRejected {
		eventType, severity = SecurityEventKeyMismatchRejected, storage.SecuritySeverityCritical
	}
	event, err := storage.NewSecurityEvent(eventType, presented.MeshID, severity, map[string]any{
		"addr":                presented.Addr(),
		"old_key_fingerprint": oldFingerprint,
		"new_key_fingerprint": newFingerprint,
	})
	if err == nil {
		err = p.opts.SecurityLog.LogSecurityEvent(event)
	}
	if err != nil {
		p.log.WithError(err).WithField("peer", presented.MeshID).Warn("log security event")
	}
}

func (p *Protocol) logSecurityEvent(eventType, peerMeshID, severity, remote string) {
	if p.opts.SecurityLog == nil {
		return
	}
	event, err := storage.NewSecurityEvent(eventType, peerMeshID, severity, map[string]any{
		"remote": remote,
	})
	if err == nil {
		err = p.opts.SecurityLog.LogSecurityEvent(event)
	}
	if err != nil {
		p.log.WithError(err).WithField("event", eventType).Warn("log security event")
	}
}
