package domain

import "fmt"

// Errors shared across pipeline stages. Callers classify with errors.Is.
var (
	ErrMalformedInput      = fmt.Errorf("malformed input")
	ErrUnknownMaterial     = fmt.Errorf("unknown material")
	ErrUnknownCountry      = fmt.Errorf("unknown country")
	ErrUnknownCategory     = fmt.Errorf("unknown category")
	ErrModelUnavailable    = fmt.Errorf("model unavailable")
	ErrInsufficientHistory = fmt.Errorf("insufficient history")
)
