package ftpd

import (
	"errors"
	"fmt"

	"github.com/quietstack/ftpd/storage"
)

// ReplyError is a control-channel error that already knows which reply
// code it maps to - the typed hierarchy the teacher achieves with
// fmt.Errorf-wrapped sentinel strings (e.g. "530 Error: ...") in
// server/handler.go, expressed here as a real error type instead of a
// string prefix a caller would have to parse back out.
type ReplyError struct {
	Code  StatusCode
	Cause error
}

func (e *ReplyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("reply %d", e.Code)
	}
	return fmt.Sprintf("reply %d: %s", e.Code, e.Cause)
}

func (e *ReplyError) Unwrap() error { return e.Cause }

// replyForStorageErr maps a storage.Error to the reply code table in
// the error-handling design section of the specification.
func replyForStorageErr(err error) StatusCode {
	var sErr *storage.Error
	if !errors.As(err, &sErr) {
		return ReplyLocalError
	}
	switch sErr.Kind {
	case storage.ErrKindPermissionDenied:
		return ReplyFileUnavailable
	case storage.ErrKindNotFoundPermanent:
		return ReplyFileUnavailable
	case storage.ErrKindNotFoundTransient:
		return ReplyFileActionNotTaken
	case storage.ErrKindFileNameNotAllowed:
		return ReplyFileNameNotAllowed
	case storage.ErrKindInsufficientSpace:
		return ReplyInsufficientStorage
	case storage.ErrKindExceededAllocation:
		return ReplyExceededAllocation
	case storage.ErrKindPageTypeUnknown:
		return ReplyPageTypeUnknown
	default:
		return ReplyLocalError
	}
}

// replyForStorageErrText renders a one-line reply for a storage error,
// using its Kind's descriptive String() as the human text.
func replyForStorageErrText(err error) Reply {
	code := replyForStorageErr(err)
	var sErr *storage.Error
	if errors.As(err, &sErr) {
		return NewReply(code, sErr.Kind.String())
	}
	return NewReply(code, err.Error())
}
