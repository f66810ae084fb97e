package dbus

import "fmt"

// Kind enumerates the error categories carried by this package's *Error
// values. Some failures are reported with other error types instead:
// message encoding, decoding and IsValid report malformed envelopes as an
// InvalidMessageError, and DecodeMessage passes errors from the underlying
// reader through unwrapped.
type Kind int

const (
	// KindInvalidSignature covers malformed or over-deep type signatures.
	KindInvalidSignature Kind = iota + 1
	// KindSignatureMismatch covers a static/runtime type disagreement.
	KindSignatureMismatch
	// KindExcessData covers a declared length larger than the remaining
	// buffer or the allowed maximum, or bytes left over after decoding.
	KindExcessData
	// KindPaddingNot0 covers a nonzero byte found in alignment padding.
	KindPaddingNot0
	// KindInvalidUTF8 covers a string/object-path/signature that is not
	// valid UTF-8.
	KindInvalidUTF8
	// KindIncorrectType covers a structural violation (wrong container
	// shape for the declared signature).
	KindIncorrectType
	// KindIncorrectValue covers a value-domain violation, e.g. a bool
	// encoded as neither 0 nor 1.
	KindIncorrectValue
	// KindIncorrectEndian covers a primary header byte 0 that is neither
	// 'l' nor 'B'.
	KindIncorrectEndian
	// KindHandshake covers any SASL authentication failure.
	KindHandshake
	// KindMethodError covers a remote D-Bus error reply surfaced to the
	// caller of (*Object).Call through the Call's Err.
	KindMethodError
	// KindNameTaken covers a bus rejection of a name request.
	KindNameTaken
	// KindIO covers an underlying transport failure.
	KindIO
	// KindInsufficientData covers a reader running out of bytes.
	KindInsufficientData
	// KindTimeout covers a method call whose context was cancelled before
	// a reply arrived.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindSignatureMismatch:
		return "SignatureMismatch"
	case KindInsufficientData:
		return "InsufficientData"
	case KindExcessData:
		return "ExcessData"
	case KindPaddingNot0:
		return "PaddingNot0"
	case KindInvalidUTF8:
		return "InvalidUtf8"
	case KindIncorrectType:
		return "IncorrectType"
	case KindIncorrectValue:
		return "IncorrectValue"
	case KindIncorrectEndian:
		return "IncorrectEndian"
	case KindHandshake:
		return "Handshake"
	case KindMethodError:
		return "MethodError"
	case KindNameTaken:
		return "NameTaken"
	case KindIO:
		return "Io"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is this package's main error type. It carries a Kind for
// programmatic dispatch (Error.Is makes errors.Is match any *Error of the
// same Kind) plus a human-readable detail and, for KindMethodError, the
// remote error name and body.
type Error struct {
	Kind    Kind
	Detail  string
	Name    string        // set for KindMethodError: the remote error name
	Body    []interface{} // set for KindMethodError: the remote error body
	wrapped error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Detail)
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: KindIO}) style checks work without requiring
// callers to compare Detail strings.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), wrapped: err}
}

func methodErr(name string, body []interface{}) *Error {
	detail := "remote error"
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			detail = s
		}
	}
	return &Error{Kind: KindMethodError, Name: name, Body: body, Detail: detail}
}
