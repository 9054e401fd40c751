package db

import "time"

// CapabilityToggle is a row of capability_toggles.
type CapabilityToggle struct {
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Modified   time.Time `json:"modified"`
	ModifiedBy string    `json:"modifiedBy"`
}
