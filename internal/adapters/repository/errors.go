package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrEmptyBatchTag = errors.New("batch tag is empty")
	ErrInvalidKey    = errors.New("invalid key")
	ErrClosed        = errors.New("store is closed")
)
