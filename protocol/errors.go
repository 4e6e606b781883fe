package protocol

import "fmt"

// Error messages below travel inside -ERR PARSE_ERROR frames, so their
// wording is fixed.

// ErrInvalidCommand is returned when a line does not start with a known
// command keyword.
type ErrInvalidCommand struct {
	Reason string
}

func (e ErrInvalidCommand) Error() string {
	return fmt.Sprintf("Invalid command: %s", e.Reason)
}

// ErrMissingArgument is returned when a command lacks a required argument.
type ErrMissingArgument struct {
	Name string
}

func (e ErrMissingArgument) Error() string {
	return fmt.Sprintf("Missing argument: %s", e.Name)
}

// ErrInvalidArgument is returned when an argument fails to parse.
type ErrInvalidArgument struct {
	Reason string
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("Invalid argument: %s", e.Reason)
}

// ErrMessageTooLarge is returned when the parser buffer would exceed its
// cap. The connection is terminated by the caller.
type ErrMessageTooLarge struct {
	Size int
	Max  int
}

func (e ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("Message too large: %d > %d", e.Size, e.Max)
}

// ErrInvalidJSON is returned when a payload that must be JSON does not
// parse.
type ErrInvalidJSON struct {
	Reason string
}

func (e ErrInvalidJSON) Error() string {
	return fmt.Sprintf("Invalid JSON: %s", e.Reason)
}
