// Package identity derives sink-side event identifiers from sync ids.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	// Prefix is prepended to every derived sink event id. Every character is
	// in the base32hex alphabet Google Calendar accepts for event ids.
	Prefix = "dvcal"

	// MarkerProp is the iCalendar property carrying the sync id on every
	// event this tool creates.
	MarkerProp = "X-DAVCALSYNC-ID"

	// GoogleMarkerKey is the private extended property carrying the sync id
	// on Google Calendar events.
	GoogleMarkerKey = "davcalsyncId"
)

// Derive maps a sync id to a sink event id: Prefix followed by the hex
// encoded SHA-256 of the sync id. The result only depends on syncID.
func Derive(syncID string) string {
	sum := sha256.Sum256([]byte(syncID))
	return Prefix + hex.EncodeToString(sum[:])
}

// IsSinkID reports whether s can be used verbatim as a sink event id:
// 5 to 1024 characters from the base32hex alphabet (0-9, a-v).
func IsSinkID(s string) bool {
	if len(s) < 5 || len(s) > 1024 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'v') {
			return false
		}
	}
	return true
}
