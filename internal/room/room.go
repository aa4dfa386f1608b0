// Package room derives canonical conversation identifiers.
package room

import (
	"strings"

	"github.com/google/uuid"
)

// Delimiter joins the two addresses of a direct room id. It never appears
// inside an address.
const Delimiter = ":"

// GroupPrefix namespaces group ids away from the a:b shape of direct rooms.
const GroupPrefix = "group_"

// ID returns the canonical id for a two-party room. It is commutative:
// ID(a, b) == ID(b, a).
func ID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + Delimiter + b
}

// NewGroupID mints a fresh group id.
func NewGroupID() string {
	return GroupPrefix + uuid.NewString()
}

// IsGroup reports whether id names a group rather than a direct room.
func IsGroup(id string) bool {
	return strings.HasPrefix(id, GroupPrefix)
}
