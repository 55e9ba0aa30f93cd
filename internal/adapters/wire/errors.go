package wire

import "errors"

var (
	ErrMalformed    = errors.New("malformed diagnosis key batch")
	ErrEmptyKeyData = errors.New("diagnosis key without key data")
)
