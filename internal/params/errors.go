package params

import "errors"

// Configuration errors. They are raised when a parameter set or grid is
// built, never in the middle of an evaluation.
var (
	ErrUnknownDetector = errors.New("unknown detector")
	ErrUnknownMatcher  = errors.New("unknown matcher")
	ErrInvalidParams   = errors.New("invalid parameters")
	ErrInvalidGrid     = errors.New("invalid parameter grid")
)
