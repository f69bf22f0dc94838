package environment

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("environment not found")
	ErrAlreadyExists     = errors.New("environment already exists")
	ErrConflict          = errors.New("environment was modified concurrently")
	ErrRetriesExhausted  = errors.New("optimistic concurrency retries exhausted")
	ErrIllegalTransition = errors.New("illegal state transition")
)
