package batching

import "errors"

var (
	ErrNilEncoder    = errors.New("encoder is nil")
	ErrInvalidLimits = errors.New("invalid batch key count limits")
	ErrEncode        = errors.New("encode batch")
)
