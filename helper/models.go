package helper

import (
	"time"

	"helpmarket/geo"
)

// Profile is the read-only view of a helper supplied by the profile system.
type Profile struct {
	ID                 string
	Name               string
	Rating             float64
	CompletionRate     float64
	AvgResponse        time.Duration
	Location           geo.Location
	Available          bool
	EmergencyCertified bool
	Categories         []string
	CreatedAt          time.Time
}

// EmergencyQualified reports whether the helper may receive emergency broadcasts.
func (p Profile) EmergencyQualified() bool {
	return p.Available && p.EmergencyCertified
}
