package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/edgenode/xp/pkg/types"
)

// endpointHashPayload is the canonical serialization an endpoint's
// applied-state hash is taken over. Field order is fixed by the struct
// tags below rather than Go's map iteration, so the hash is stable across
// runs.
type endpointHashPayload struct {
	Kind types.EndpointKind `json:"kind"`
	Tag  string             `json:"tag"`
	Port uint16             `json:"port"`
	Meta json.RawMessage    `json:"meta"`
}

// configHash computes the sha256 config-change-detection hash for an
// endpoint's desired state. A different hash than the last-applied one
// cached for this endpoint_id means the reconciler must RebuildInbound
// rather than rely on an idempotent add_inbound.
func configHash(ep types.Endpoint) string {
	payload := endpointHashPayload{Kind: ep.Kind, Tag: ep.Tag, Port: ep.Port, Meta: ep.Meta}
	data, err := json.Marshal(payload)
	if err != nil {
		// Endpoint.Meta is always produced by json.Marshal on write (see
		// pkg/store/builders.go); a marshal failure here would mean an
		// already-corrupt value made it into the store.
		panic(fmt.Sprintf("reconciler: marshal endpoint hash payload: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
