package pipeline

import "github.com/google/uuid"

// defaultEnvelopeID mints a fresh opaque request id.
func defaultEnvelopeID() string {
	return uuid.NewString()
}
