// Package storage defines the StorageBackend contract the control-channel
// core invokes for every file-system-shaped operation. The core never
// touches a concrete backend directly; it only ever sees this interface.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Feature is a bit in the capability mask a Backend advertises through
// SupportedFeatures. Commands that need a feature a backend doesn't
// advertise reply 502 (Command not implemented) rather than attempting
// the operation and failing late.
type Feature uint32

const (
	FeatureRestart Feature = 1 << iota
	FeatureSize
	FeatureMDTM
	FeatureRename
	FeatureSymlink
)

// Has reports whether mask advertises feature.
func (f Feature) Has(feature Feature) bool {
	return f&feature != 0
}

// ErrorKind is the typed error taxonomy a Backend reports through Error.
// The control channel maps each kind to a reply code per the table in
// §7 of the specification; backends never choose the reply code
// themselves.
type ErrorKind int

const (
	// ErrKindUnknown is used when the backend didn't attach a kind -
	// it maps to the conservative 451 LocalError reply.
	ErrKindUnknown ErrorKind = iota
	ErrKindPermissionDenied
	ErrKindNotFoundPermanent
	ErrKindNotFoundTransient
	ErrKindFileNameNotAllowed
	ErrKindInsufficientSpace
	ErrKindExceededAllocation
	ErrKindPageTypeUnknown
	ErrKindLocalError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindPermissionDenied:
		return "permission denied"
	case ErrKindNotFoundPermanent:
		return "not found (permanent)"
	case ErrKindNotFoundTransient:
		return "not found (transient)"
	case ErrKindFileNameNotAllowed:
		return "file name not allowed"
	case ErrKindInsufficientSpace:
		return "insufficient storage space"
	case ErrKindExceededAllocation:
		return "exceeded storage allocation"
	case ErrKindPageTypeUnknown:
		return "page type unknown"
	case ErrKindLocalError:
		return "local error"
	default:
		return "unknown storage error"
	}
}

// Error is the error type every Backend method returns on failure. It
// wraps an underlying cause with the typed Kind the core needs to pick a
// reply code.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause with kind.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Metadata describes a single path without reading its content.
type Metadata struct {
	Len      int64
	Modified time.Time
	IsDir    bool
	IsFile   bool
	IsSymlink bool
	// Perm is an opaque, backend-defined permission string (e.g. the
	// Unix "-rwxr-xr-x" rendering); the core never parses it, only
	// forwards it into listing lines.
	Perm string
}

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name string
	Metadata
}

// Backend is the storage contract the control-channel core invokes.
// Every operation is scoped to the authenticated identity passed as
// user, which implementations may use for per-user quotas, chrooting,
// or auditing; the core treats it as an opaque value.
//
// Implementations must be safe for concurrent use by multiple sessions.
type Backend interface {
	// Metadata returns information about path without reading it.
	Metadata(ctx context.Context, user any, path string) (Metadata, error)

	// List returns the direct children of path.
	List(ctx context.Context, user any, path string) ([]DirEntry, error)

	// ListFmt returns a byte source yielding one pre-formatted Unix-like
	// listing line per entry in path, CRLF-terminated, in the format
	// specified in the external-interfaces section of the spec.
	ListFmt(ctx context.Context, user any, path string) (io.ReadCloser, error)

	// Nlst returns a byte source yielding one bare name per line,
	// CRLF-terminated.
	Nlst(ctx context.Context, user any, path string) (io.ReadCloser, error)

	// Get opens path for reading starting at startOffset.
	Get(ctx context.Context, user any, path string, startOffset int64) (io.ReadCloser, error)

	// Put streams src into path starting at startOffset, truncating any
	// existing content beyond what is overwritten unless append is
	// true, in which case startOffset is ignored and data is appended.
	// It returns the number of bytes written.
	Put(ctx context.Context, user any, src io.Reader, path string, startOffset int64, append bool) (int64, error)

	Del(ctx context.Context, user any, path string) error
	Rmd(ctx context.Context, user any, path string) error
	Mkd(ctx context.Context, user any, path string) error
	Rename(ctx context.Context, user any, from, to string) error

	// CwdOK reports whether path exists and is a directory the user may
	// enter; it returns a *Error on failure so the core can map it like
	// any other storage error.
	CwdOK(ctx context.Context, user any, path string) error

	// SupportedFeatures returns the capability bitmask this backend
	// implements.
	SupportedFeatures() Feature
}
