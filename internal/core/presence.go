// internal/core/presence.go
package core

import "time"

// LastSeen returns the later of two optional timestamps.
func LastSeen(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// IsOnline reports whether a device seen at lastSeen still counts as online.
func IsOnline(lastSeen *time.Time, now time.Time, threshold time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < threshold
}
