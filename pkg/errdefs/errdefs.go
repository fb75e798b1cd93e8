package errdefs

import (
	"errors"
	"fmt"
)

// Kind is the namespace of error tags a recipient can match on.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid-request"
	KindNotFound          Kind = "not-found"
	KindFilesystem        Kind = "filesystem"
	KindNetwork           Kind = "network"
	KindParseS9pk         Kind = "parse-s9pk"
	KindPack              Kind = "pack"
	KindDeserialization   Kind = "deserialization"
	KindSerialization     Kind = "serialization"
	KindParseUrl          Kind = "parse-url"
	KindParseDbField      Kind = "parse-db-field"
	KindLxc               Kind = "lxc"
	KindDiskManagement    Kind = "disk-management"
	KindDependencyFailure Kind = "dependency-failure"
	KindIncoherent        Kind = "incoherent"
	KindUnknown           Kind = "unknown"
)

// Code returns the JSON-RPC error code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindInvalidRequest:
		return -32600
	case KindNotFound:
		return 2
	case KindFilesystem:
		return 3
	case KindNetwork:
		return 4
	case KindParseS9pk:
		return 5
	case KindPack:
		return 6
	case KindDeserialization:
		return 7
	case KindSerialization:
		return 8
	case KindParseUrl:
		return 9
	case KindParseDbField:
		return 10
	case KindLxc:
		return 11
	case KindDiskManagement:
		return 12
	case KindDependencyFailure:
		return 13
	case KindIncoherent:
		return 14
	default:
		return 1
	}
}

// Error is a tagged error. The kind survives wrapping so handlers can
// surface it unchanged over RPC.
type Error struct {
	Knd Kind
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Knd, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error from a message.
func New(kind Kind, msg string) error {
	return &Error{Knd: kind, Err: errors.New(msg)}
}

// Newf creates a tagged error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Knd: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. A nil error stays nil; an already-tagged
// error keeps its original kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Knd: kind, Err: err}
}

// KindOf returns the kind of an error, or KindUnknown for untagged errors.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Knd
	}
	return KindUnknown
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// NotFoundf is shorthand for Newf(KindNotFound, ...).
func NotFoundf(format string, args ...interface{}) error {
	return Newf(KindNotFound, format, args...)
}

// InvalidRequestf is shorthand for Newf(KindInvalidRequest, ...).
func InvalidRequestf(format string, args ...interface{}) error {
	return Newf(KindInvalidRequest, format, args...)
}
