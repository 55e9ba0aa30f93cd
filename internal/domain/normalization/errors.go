package normalization

import (
	"errors"
	"fmt"
)

// Sentinel kinds for normalization errors. All of them wrap ErrInvalidInput.
var (
	ErrInvalidInput                  = errors.New("invalid normalization input")
	ErrMissingFields                 = fmt.Errorf("%w: transmission risk level and days since onset of symptoms are both missing", ErrInvalidInput)
	ErrMissingDaysSinceOnset         = fmt.Errorf("%w: days since onset of symptoms is missing", ErrInvalidInput)
	ErrUnmappedTransmissionRiskLevel = fmt.Errorf("%w: no days since onset configured for transmission risk level", ErrInvalidInput)
)
