package crdt

import (
	"fmt"
)

// ErrUnknownStrategy is returned when a strategy name cannot be parsed.
type ErrUnknownStrategy struct {
	Name string
}

func (e ErrUnknownStrategy) Error() string {
	return fmt.Sprintf("unknown strategy: %s", e.Name)
}

// ErrDecodeState is returned when encoded state bytes cannot be decoded.
type ErrDecodeState struct {
	Cause error
}

func (e ErrDecodeState) Error() string {
	return fmt.Sprintf("decode state: %v", e.Cause)
}

func (e ErrDecodeState) Unwrap() error {
	return e.Cause
}
