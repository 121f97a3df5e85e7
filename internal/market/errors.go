package market

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes marketplace errors. All of them are local to the
// call that raised them; none aborts unrelated chains or agreements.
type ErrorCode string

const (
	// CodeParse indicates malformed constraint text or properties at publish time.
	CodeParse ErrorCode = "PARSE_ERROR"

	// CodeStaleProposal indicates the caller replied to a proposal that is no
	// longer the chain tip. The caller must refetch the tip and decide again.
	CodeStaleProposal ErrorCode = "STALE_PROPOSAL"

	// CodeWeakMatch indicates a promote on a proposal that is not a strong match.
	CodeWeakMatch ErrorCode = "WEAK_MATCH"

	// CodeNotRequestor indicates a requestor-only operation called by a provider.
	CodeNotRequestor ErrorCode = "NOT_REQUESTOR"

	// CodeNotProvider indicates a provider-only operation called by a requestor.
	CodeNotProvider ErrorCode = "NOT_PROVIDER"

	// CodeInvalidState indicates the record is not in a state that permits
	// the requested transition.
	CodeInvalidState ErrorCode = "INVALID_STATE"

	// CodeNotFound indicates an unknown id.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is a protocol-level error reported synchronously to the caller.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the record the error is about, if any.
	ID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, msg, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, market.ErrStaleProposal).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.ID == ""
}

// Sentinels for errors.Is. They carry only a code.
var (
	ErrParse         = &Error{Code: CodeParse}
	ErrStaleProposal = &Error{Code: CodeStaleProposal}
	ErrWeakMatch     = &Error{Code: CodeWeakMatch}
	ErrNotRequestor  = &Error{Code: CodeNotRequestor}
	ErrNotProvider   = &Error{Code: CodeNotProvider}
	ErrInvalidState  = &Error{Code: CodeInvalidState}
	ErrNotFound      = &Error{Code: CodeNotFound}
)

// IsCode reports whether err is a marketplace error with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// CodeOf returns the code of a marketplace error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// NewParseError wraps a constraint or property parse failure.
func NewParseError(what string, err error) *Error {
	return &Error{Code: CodeParse, Message: fmt.Sprintf("invalid %s", what), Err: err}
}

// NewStaleProposalError reports a reply to a superseded proposal.
func NewStaleProposalError(got, tip ProposalID) *Error {
	return &Error{
		Code:    CodeStaleProposal,
		Message: fmt.Sprintf("proposal is not the chain tip (tip is %s)", tip),
		ID:      string(got),
	}
}

// NewWeakMatchError reports a promote on a proposal that is not a strong match.
func NewWeakMatchError(id ProposalID, kind string) *Error {
	return &Error{
		Code:    CodeWeakMatch,
		Message: fmt.Sprintf("only strong matches can be promoted (match is %s)", kind),
		ID:      string(id),
	}
}

// NewNotRequestorError reports a requestor-only operation attempted by someone else.
func NewNotRequestorError(op, id string) *Error {
	return &Error{Code: CodeNotRequestor, Message: fmt.Sprintf("%s is requestor-only", op), ID: id}
}

// NewNotProviderError reports a provider-only operation attempted by someone else.
func NewNotProviderError(op, id string) *Error {
	return &Error{Code: CodeNotProvider, Message: fmt.Sprintf("%s is provider-only", op), ID: id}
}

// NewInvalidStateError reports a transition not permitted from the current state.
func NewInvalidStateError(op, id string, state any) *Error {
	return &Error{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("cannot %s from state %v", op, state),
		ID:      id,
	}
}

// NewNotFoundError reports an unknown id.
func NewNotFoundError(what, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", what), ID: id}
}
