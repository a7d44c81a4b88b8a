package domain

import "errors"

// ErrValidation marks errors caused by invalid caller input. Wrap with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is.
var ErrValidation = errors.New("validation error")
