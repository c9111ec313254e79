package core

import (
	"errors"
	"fmt"
)

// ErrCode is the exit-code taxonomy surfaced to the SDK shell.
type ErrCode string

const (
	ErrInvalidArgument        ErrCode = "InvalidArgument"
	ErrInvalidSessionStatus    ErrCode = "InvalidSessionStatus"
	ErrInvalidEncryptionFormat ErrCode = "InvalidEncryptionFormat"
	ErrResourceNotFound        ErrCode = "ResourceNotFound"
	ErrRecipientsNotFound      ErrCode = "RecipientsNotFound"
	ErrDecryptionFailed        ErrCode = "DecryptionFailed"
	ErrExpiredVerification     ErrCode = "ExpiredVerification"
	ErrInvalidVerification     ErrCode = "InvalidVerification"
	ErrTooManyAttempts         ErrCode = "TooManyAttempts"
	ErrGroupTooBig             ErrCode = "GroupTooBig"
	ErrInvalidGroupSize        ErrCode = "InvalidGroupSize"
	ErrConflict                ErrCode = "Conflict"
	ErrDeviceRevoked           ErrCode = "DeviceRevoked"
	ErrOperationCanceled       ErrCode = "OperationCanceled"
	ErrPreconditionFailed      ErrCode = "PreconditionFailed"
	ErrNetworkError            ErrCode = "NetworkError"
	ErrInternalError           ErrCode = "InternalError"
	ErrUpgradeRequired         ErrCode = "UpgradeRequired"
)

// CoreError is the typed error returned across the public API surface of the
// engine. It carries an ErrCode so callers can branch without string
// matching.
type CoreError struct {
	Code ErrCode
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrIsDecryptionFailed) style comparisons against
// the sentinel *CoreError values below: two CoreErrors match when their codes
// are equal.
func (e *CoreError) Is(target error) bool {
	var other *CoreError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError builds a CoreError with the given code and message.
func NewError(code ErrCode, msg string) *CoreError {
	return &CoreError{Code: code, Msg: msg}
}

// WrapError builds a CoreError wrapping an underlying cause.
func WrapError(code ErrCode, msg string, err error) *CoreError {
	return &CoreError{Code: code, Msg: msg, Err: err}
}

// sentinel returns a matchable CoreError value for a given code, used with
// errors.Is in callers and tests.
func sentinel(code ErrCode) *CoreError { return &CoreError{Code: code, Msg: string(code)} }

var (
	ErrIsResourceNotFound = sentinel(ErrResourceNotFound)
	ErrIsDecryptionFailed = sentinel(ErrDecryptionFailed)
	ErrIsDeviceRevoked    = sentinel(ErrDeviceRevoked)
	ErrIsOperationCanceled = sentinel(ErrOperationCanceled)
)

// BlockErrorCode enumerates the §4.2 InvalidBlock subcodes.
type BlockErrorCode string

const (
	BlockErrInvalidAuthor             BlockErrorCode = "invalid_author"
	BlockErrInvalidSignature          BlockErrorCode = "invalid_signature"
	BlockErrInvalidDelegationSig      BlockErrorCode = "invalid_delegation_signature"
	BlockErrInvalidNature             BlockErrorCode = "invalid_nature"
	BlockErrInvalidUserPublicKey      BlockErrorCode = "invalid_user_public_key"
	BlockErrForbidden                 BlockErrorCode = "forbidden"
	BlockErrRevokedAuthor             BlockErrorCode = "revoked_author"
	BlockErrGroupAlreadyExists         BlockErrorCode = "group_already_exists"
	BlockErrInvalidPreviousGroupBlock BlockErrorCode = "invalid_previous_group_block"
	BlockErrInvalidSelfSignature      BlockErrorCode = "invalid_self_signature"
	BlockErrInvalidRevokedDevice      BlockErrorCode = "invalid_revoked_device"
	BlockErrMissingUserKeys           BlockErrorCode = "missing_user_keys"
	BlockErrVersionMismatch           BlockErrorCode = "version_mismatch"
)

// InvalidBlockError signals a single block drop during verification. It is
// never retried; the caller logs it and moves to the next queued block.
type InvalidBlockError struct {
	Code    BlockErrorCode
	Nature  Nature
	Subject string // user id / group id / device id the block was about, hex
	Reason  string
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block (nature=%s subject=%s code=%s): %s", e.Nature, e.Subject, e.Code, e.Reason)
}

func invalidBlock(code BlockErrorCode, nature Nature, subject string, reason string) *InvalidBlockError {
	return &InvalidBlockError{Code: code, Nature: nature, Subject: subject, Reason: reason}
}
