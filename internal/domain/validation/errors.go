package validation

import "errors"

// ErrInvalidPayload is returned by Result.Err when at least one rule failed.
var ErrInvalidPayload = errors.New("invalid submission payload")
