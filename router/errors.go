package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the core.
type ErrorKind int

const (
	KindClassificationFallback ErrorKind = iota + 1
	KindRoutingUnavailable
	KindResourceExhausted
	KindLoadError
	KindConcurrentLoadFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindClassificationFallback:
		return "ClassificationFallback"
	case KindRoutingUnavailable:
		return "RoutingUnavailable"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindLoadError:
		return "LoadError"
	case KindConcurrentLoadFailure:
		return "ConcurrentLoadFailure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the structured error returned by the routing and loading paths.
// ModelID and Mode name the offending instance when there is one.
type Error struct {
	Kind    ErrorKind
	ModelID string
	Mode    QuantMode
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.ModelID != "" {
		b.WriteString(" [")
		b.WriteString(e.ModelID)
		if e.Mode != "" {
			b.WriteString("/")
			b.WriteString(string(e.Mode))
		}
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a target *Error of the same kind that names no model or the
// same model, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.ModelID == "" || t.ModelID == e.ModelID)
}

// Sentinels for errors.Is.
var (
	ErrRoutingUnavailable    = &Error{Kind: KindRoutingUnavailable}
	ErrResourceExhausted     = &Error{Kind: KindResourceExhausted}
	ErrLoadFailed            = &Error{Kind: KindLoadError}
	ErrConcurrentLoadFailure = &Error{Kind: KindConcurrentLoadFailure}
)

// ErrUnknownModel is returned by catalog lookups for ids that were never registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnknownMode is returned when a model has no such quantization mode.
var ErrUnknownMode = errors.New("unknown quantization mode")

// RoutingUnavailable builds a RoutingUnavailable error.
func RoutingUnavailable(format string, args ...any) *Error {
	return &Error{Kind: KindRoutingUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// ResourceExhausted builds a ResourceExhausted error for key.
func ResourceExhausted(key InstanceKey, msg string, cause error) *Error {
	return &Error{Kind: KindResourceExhausted, ModelID: key.ModelID, Mode: key.Mode, Msg: msg, Err: cause}
}

// LoadFailure builds a LoadError for key.
func LoadFailure(key InstanceKey, cause error) *Error {
	return &Error{Kind: KindLoadError, ModelID: key.ModelID, Mode: key.Mode, Err: cause}
}

// ConcurrentLoadFailure wraps the failure of a load shared by several callers.
func ConcurrentLoadFailure(key InstanceKey, waiters int, cause error) *Error {
	return &Error{
		Kind:    KindConcurrentLoadFailure,
		ModelID: key.ModelID,
		Mode:    key.Mode,
		Msg:     fmt.Sprintf("shared by %d callers", waiters),
		Err:     cause,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether the caller may retry after backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
