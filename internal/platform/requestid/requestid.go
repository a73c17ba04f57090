// Package requestid mints request identifiers. The same uuid space is
// used for correlation ids on the messaging side, so a request id can
// be handed through to a Command unchanged.
package requestid

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}
