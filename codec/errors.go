package codec

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidData matches every *StructuralError via errors.Is.
	ErrInvalidData = errors.New("codec: invalid hub message")
	// ErrUnsupportedMessage is returned when encoding a variant that has no wire form.
	ErrUnsupportedMessage = errors.New("codec: unsupported message type")
)

// StructuralError reports a record that is not a well-formed hub message: bad JSON,
// wrong shape, a missing required member or mutually exclusive members. It is fatal
// to the decode attempt and is not attributable to a single invocation.
type StructuralError struct {
	Msg string
	Err error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return "codec: " + e.Msg + ": " + e.Err.Error()
	}
	return "codec: " + e.Msg
}

func (e *StructuralError) Unwrap() error { return e.Err }

func (e *StructuralError) Is(target error) bool { return target == ErrInvalidData }

func structuralf(format string, args ...any) *StructuralError {
	return &StructuralError{Msg: fmt.Sprintf(format, args...)}
}

func missingProperty(name string) *StructuralError {
	return structuralf("missing required property '%s'", name)
}

func unexpectedKind(name, want string) *StructuralError {
	return structuralf("expected '%s' to be of type %s", name, want)
}

const maxExcerpt = 64

// BindingError reports payload bytes that could not be converted to the type the
// binder declared, an argument count mismatch, or a binder lookup failure.
// The decoder turns it into a binding-failure message instead of failing the record.
type BindingError struct {
	// InvocationID and Target identify the call when known at the time of the failure.
	InvocationID string
	Target       string
	Type         reflect.Type
	// Excerpt is a bounded copy of the offending bytes.
	Excerpt string
	Msg     string
	Err     error
}

func (e *BindingError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "cannot bind value"
	}
	if e.Type != nil {
		msg += " to " + e.Type.String()
	}
	if e.Excerpt != "" {
		msg += " from " + e.Excerpt
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "codec: " + msg
}

func (e *BindingError) Unwrap() error { return e.Err }

func newBindingError(t reflect.Type, span []byte, err error) *BindingError {
	return &BindingError{Type: t, Excerpt: excerpt(span), Err: err}
}

func argumentCountError(got, want int) *BindingError {
	return &BindingError{
		Msg: fmt.Sprintf("invocation provides %d argument(s) but target expects %d", got, want),
	}
}

// asBindingError keeps binder failures and bind failures in one error type.
func asBindingError(err error) *BindingError {
	var be *BindingError
	if errors.As(err, &be) {
		return be
	}
	return &BindingError{Msg: "binder lookup failed", Err: err}
}

func excerpt(span []byte) string {
	if len(span) > maxExcerpt {
		return string(span[:maxExcerpt]) + "..."
	}
	return string(span)
}
