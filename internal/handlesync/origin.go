package handlesync

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// IsOwnedBy reports whether id was created by participant. Ownership is
// carried by the id prefix; an empty participant owns nothing.
func IsOwnedBy(id, participant string) bool {
	if participant == "" {
		return false
	}
	return strings.HasPrefix(id, participant)
}

// NewRecordID returns a fresh id owned by participant.
func NewRecordID(participant string) string {
	return participant + "-" + ulid.Make().String()
}
