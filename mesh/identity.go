package mesh

import (
	"github.com/google/uuid"

	"luminamesh/network"
)

// newMeshID returns the first 8 hex characters of a random UUID.
func newMeshID() string {
	return uuid.NewString()[:network.MeshIDSize]
}
