// Package storage holds the on-disk encoding shared by persistent queue
// backends. Backends (see storage/bolt) must only persist queue entries
// through EncodeEntry / DecodeEntry so every backend reads every other
// backend's records.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored record fails its checksum or
// cannot be decoded.
var ErrCorrupted = errors.New("storage: entry corrupted")
