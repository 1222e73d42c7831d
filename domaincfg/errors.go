package domaincfg

import "errors"

// Sentinel errors for configuration document operations.
var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrIndexOutOfRange    = errors.New("basin index out of range")
	ErrTypeMismatch       = errors.New("value type does not match existing value")
	ErrNotBasinCollection = errors.New("document has no basin collection")
	ErrInvalidDocument    = errors.New("invalid configuration document")
)
