package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists signals a uniqueness conflict on insert.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrAuthMissing signals that no remote client has been configured.
	ErrAuthMissing = errors.New("client authentication is not set")
)

// ErrorKind classifies engine failures by how they propagate.
type ErrorKind string

// Error kinds. Crawl failures are recoverable per item; auth and panic
// failures abort the whole task.
const (
	KindCrawl   ErrorKind = "crawl"
	KindPersist ErrorKind = "persist"
	KindImageIO ErrorKind = "image_io"
	KindAuth    ErrorKind = "auth"
	KindPanic   ErrorKind = "panic"
)

// Error is the structured error carried through the engine.
type Error struct {
	Kind ErrorKind
	Op   string
	Code string
	Err  error
}

// Error renders the error for logs and the outer adapters.
func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Op != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, op, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err must abort a whole task.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindPanic:
		return true
	default:
		return false
	}
}
