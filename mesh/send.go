package mesh

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"luminamesh/network"
)

// SendToPeer encrypts payload for peerID and delivers it over a fresh
// connection. It reports false for an unknown peer or any encryption, dial,
// write or timeout failure. Errors are logged, never returned.
func (p *Protocol) SendToPeer(ctx context.Context, peerID, messageType string, payload []byte) bool {
	if err := p.sender.Send(ctx, peerID, messageType, payload); err != nil {
		p.metrics.sendFailures.Inc()

		entry := p.log.WithError(err).WithFields(logrus.Fields{
			"peer": peerID,
			"type": messageType,
		})
		if errors.Is(err, network.ErrUnknownPeer) {
			entry.Debug("send to unknown peer")
		} else {
			entry.Warn("send failed")
		}
		return false
	}

	p.messagesSent.Add(1)
	p.metrics.messagesSent.Inc()
	return true
}

// Broadcast sends to every non-stale peer concurrently and returns how many
// sends succeeded.
func (p *Protocol) Broadcast(ctx context.Context, messageType string, payload []byte) int {
	targets := p.table.List("", p.opts.PeerTimeout)
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.BroadcastConcurrency)

	for _, peer := range targets {
		peerID := peer.MeshID
		g.Go(func() error {
			if p.SendToPeer(ctx, peerID, messageType, payload) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	count := int(delivered.Load())
	p.log.WithFields(logrus.Fields{
		"type":      messageType,
		"attempted": len(targets),
		"delivered": count,
	}).Debug("broadcast finished")
	return count
}
