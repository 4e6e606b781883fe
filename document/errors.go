package document

import (
	"fmt"
)

// Error messages below are part of the wire protocol: handlers forward
// them verbatim inside -ERR frames, so their wording is fixed.

// ErrInvalidDocumentID is returned when an identifier fails validation.
type ErrInvalidDocumentID struct {
	Reason string
}

func (e ErrInvalidDocumentID) Error() string {
	return fmt.Sprintf("Invalid document ID: %s", e.Reason)
}

// ErrDocumentNotFound is returned when no document has the given ID.
type ErrDocumentNotFound struct {
	ID string
}

func (e ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("Document not found: %s", e.ID)
}

// ErrDocumentExists is returned when creating a document whose ID is
// already taken.
type ErrDocumentExists struct {
	ID string
}

func (e ErrDocumentExists) Error() string {
	return fmt.Sprintf("Document already exists: %s", e.ID)
}

// ErrInvalidPath is returned when a path cannot be resolved or targets
// a node of the wrong shape.
type ErrInvalidPath struct {
	Path string
}

func (e ErrInvalidPath) Error() string {
	return fmt.Sprintf("Invalid path: %s", e.Path)
}

// ErrStrategyMismatch is returned when an operation is not permitted
// for the document's strategy.
type ErrStrategyMismatch struct {
	Expected string
	Got      string
}

func (e ErrStrategyMismatch) Error() string {
	return fmt.Sprintf("Strategy mismatch: expected %s, got %s", e.Expected, e.Got)
}

// ErrCRDT is returned when the text engine rejects an update.
type ErrCRDT struct {
	Message string
}

func (e ErrCRDT) Error() string {
	return fmt.Sprintf("CRDT error: %s", e.Message)
}
