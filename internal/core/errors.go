package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry,
// report or abort.
type Kind string

const (
	KindInvalidInput Kind = "invalid input"
	KindNotFound     Kind = "not found"
	KindRegistry     Kind = "registry error"
	KindNetwork      Kind = "network error"
	KindIntegrity    Kind = "integrity error"
	KindStorage      Kind = "storage error"
	KindSubprocess   Kind = "subprocess error"
)

// Sentinels for errors.Is. Every *Error unwraps to the sentinel of its kind.
var (
	ErrInvalidInput = errors.New(string(KindInvalidInput))
	ErrNotFound     = errors.New(string(KindNotFound))
	ErrRegistry     = errors.New(string(KindRegistry))
	ErrNetwork      = errors.New(string(KindNetwork))
	ErrIntegrity    = errors.New(string(KindIntegrity))
	ErrStorage      = errors.New(string(KindStorage))
	ErrSubprocess   = errors.New(string(KindSubprocess))
)

var kinds = []Kind{
	KindInvalidInput,
	KindNotFound,
	KindRegistry,
	KindNetwork,
	KindIntegrity,
	KindStorage,
	KindSubprocess,
}

var sentinels = map[Kind]error{
	KindInvalidInput: ErrInvalidInput,
	KindNotFound:     ErrNotFound,
	KindRegistry:     ErrRegistry,
	KindNetwork:      ErrNetwork,
	KindIntegrity:    ErrIntegrity,
	KindStorage:      ErrStorage,
	KindSubprocess:   ErrSubprocess,
}

// Error is a failure with a kind, a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrNotFound)
// works without unwrapping to the cause.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps err as its cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors that
// only unwrap to a sentinel (such as *NotFoundError) report that sentinel's
// kind. It returns "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, sentinels[k]) {
			return k
		}
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	sentinel, ok := sentinels[kind]
	return ok && errors.Is(err, sentinel)
}

// NotFoundError wraps ErrNotFound with package context.
type NotFoundError struct {
	Ecosystem string
	Name      string
	Version   string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s: package %s version %s not found", e.Ecosystem, e.Name, e.Version)
	}
	return fmt.Sprintf("%s: package %s not found", e.Ecosystem, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
