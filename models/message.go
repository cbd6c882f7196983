package models

import "time"

// Message is one decrypted data-channel message together with its resolved sender.
type Message struct {
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	From       Peer      `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
}
