package executor

import (
	"encoding/json"

	"github.com/fred-drake/carapace/internal/pipeline"
)

// marshalPayload measures the wire size a ResponsePayload would
// occupy, for the size-cap check in capSize.
func marshalPayload(payload pipeline.ResponsePayload) ([]byte, error) {
	return json.Marshal(payload)
}
