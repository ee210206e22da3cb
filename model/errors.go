package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error unwraps to exactly one of these.
var (
	KindValidation         = errors.New("validation error")
	KindNotFound           = errors.New("not found")
	KindPermissionDenied   = errors.New("permission denied")
	KindInvalidTransition  = errors.New("invalid transition")
	KindProvider           = errors.New("provider error")
	KindStorageUnavailable = errors.New("storage unavailable")
)

// Error is a rejected operation with a stable code
type Error struct {
	Kind    error
	Code    string
	Message string
}

// NewError builds a domain error of the given kind
func NewError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the kind to errors.Is
func (e *Error) Unwrap() error {
	return e.Kind
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel domain errors
var (
	ErrDocumentNotFound   = NewError(KindNotFound, "DocumentNotFound", "document does not exist")
	ErrUnknownDepartment  = NewError(KindNotFound, "UnknownDepartment", "department is not known")
	ErrUserNotFound       = NewError(KindNotFound, "UserNotFound", "user does not exist")
	ErrNotInWorkflow      = NewError(KindInvalidTransition, "NotInWorkflow", "department is not part of the custody chain")
	ErrAlreadyReceived    = NewError(KindInvalidTransition, "AlreadyReceived", "department has already received the document")
	ErrAlreadyTerminal    = NewError(KindInvalidTransition, "AlreadyTerminal", "document is already completed, canceled or deleted")
	ErrAlreadyDeleted     = NewError(KindInvalidTransition, "AlreadyDeleted", "document is already in the recycle bin")
	ErrNotDeleted         = NewError(KindInvalidTransition, "NotDeleted", "document is not in the recycle bin")
	ErrDocumentClosed     = NewError(KindInvalidTransition, "DocumentClosed", "document can no longer be routed")
	ErrAlreadySubmitted   = NewError(KindInvalidTransition, "AlreadySubmitted", "a signing submission is already in flight")
	ErrAlreadySigned      = NewError(KindInvalidTransition, "AlreadySigned", "document has already been signed")
	ErrNotDraft           = NewError(KindInvalidTransition, "NotDraft", "signing project is not awaiting dispatch")
	ErrUnresolvedSigner   = NewError(KindValidation, "UnresolvedSigner", "mark refers to a signer that was not added")
	ErrVersionConflict    = NewError(KindInvalidTransition, "VersionConflict", "document was modified concurrently")
	ErrPermissionDenied   = NewError(KindPermissionDenied, "PermissionDenied", "actor may not act on this document")
	ErrNoFileBytes        = NewError(KindStorageUnavailable, "StorageUnavailable", "no file bytes available for signing")
	ErrProjectNotFound    = NewError(KindNotFound, "ProjectNotFound", "no document is linked to that signing project")
	ErrBadPassportView    = NewError(KindValidation, "InvalidPassportView", "unsupported passport view")
)

// Validation returns a ValidationError for a bad or missing field
func Validation(field, message string) *Error {
	return NewError(KindValidation, "ValidationError", field+": "+message)
}

// WithMessage copies a sentinel with a more specific message, keeping its code
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// ProviderError carries a remote signing API failure verbatim
type ProviderError struct {
	Op     string
	Status int
	Code   string
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	msg := "signing provider " + e.Op + " failed"
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the provider kind and the transport cause
func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{KindProvider, e.Err}
	}
	return []error{KindProvider}
}

// KindOf returns the kind an error belongs to, or nil for unclassified errors
func KindOf(err error) error {
	for _, k := range []error{KindValidation, KindNotFound, KindPermissionDenied, KindInvalidTransition, KindProvider, KindStorageUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
