package models

// Stats is a point-in-time snapshot of mesh counters.
type Stats struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	PeersDiscovered  uint64 `json:"peers_discovered"`
	MeshID           string `json:"mesh_id"`
}
