package database

import "time"

// ProvideDataRecord is one tier-wide configuration value.
// Version starts at 1 and grows on every write of the key.
type ProvideDataRecord struct {
	Key       string
	Value     string
	Version   int64
	UpdatedAt time.Time
}
