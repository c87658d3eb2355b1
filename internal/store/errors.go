package store

import "errors"

// ErrNotFound is returned by update/delete operations that target a row
// that does not exist.
var ErrNotFound = errors.New("store: not found")
