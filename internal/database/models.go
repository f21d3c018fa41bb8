package database

import "errors"

var (
	// ErrNotFound is returned when no progress record exists for a key.
	ErrNotFound = errors.New("progress record not found")
	// ErrDuplicateKey is returned by Insert when a record for the key already exists.
	ErrDuplicateKey = errors.New("progress record already exists")
)

// ProgressRecord is the persisted playback position of one viewer in one file.
// Path is the progress key: encoded relative path + "?" + user id.
type ProgressRecord struct {
	Path             string `json:"path"`
	LastTimestamp    int64  `json:"last_timestamp"`
	LastFilePosition int64  `json:"last_file_position"`
	FileLength       int64  `json:"file_length"`
}
