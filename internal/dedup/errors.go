package dedup

import "errors"

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid dedup config")

	// ErrDuplicateRecordID is returned when a bulk run receives two records
	// with the same id.
	ErrDuplicateRecordID = errors.New("duplicate record id")
)
