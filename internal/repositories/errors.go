package repositories

import "errors"

// ErrNotFound is returned by all repositories when a record does not exist.
// Callers use errors.Is to map it to 404 responses or skip logic.
var ErrNotFound = errors.New("record not found")
