package federation

import "errors"

var (
	ErrTransport       = errors.New("federation transport failure")
	ErrInvalidResponse = errors.New("invalid federation response")
	ErrNoBaseURL       = errors.New("federation base url is empty")
)
