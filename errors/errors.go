package errors

import (
	"errors"
	"fmt"
)

/*
* Error codes convey why a cache or store operation failed. Only Unavailable is
* meant to reach callers of the price API; ConnectionLost is absorbed by the
* store-access layer and NotFound simply means the item needs fetching.
*
* Stale is deliberately absent: a stale record is a valid, servable state.
 */

const (
	// The key is absent from the store. Not a failure, the item needs a fetch.
	NotFound ErrCode = 1

	// The durable store is unreachable. Triggers degraded mode.
	ConnectionLost ErrCode = 2

	// The store rejected the write (unique/check constraint, currency change,
	// validation failure).
	ConstraintViolation ErrCode = 3

	// Anything the store did not explain.
	Unknown ErrCode = 4

	// The external price source failed or timed out.
	FetchFailed ErrCode = 5

	// No cached value exists and the fetch failed.
	Unavailable ErrCode = 6

	// A refresh batch is already running for this scheduler.
	BatchInProgress ErrCode = 7
)

// ErrCode identifies the class of a CacheError
type ErrCode uint8

var codeNames = map[ErrCode]string{
	NotFound:            "not found",
	ConnectionLost:      "connection lost",
	ConstraintViolation: "constraint violation",
	Unknown:             "unknown",
	FetchFailed:         "fetch failed",
	Unavailable:         "unavailable",
	BatchInProgress:     "batch in progress",
}

func (c ErrCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// CacheError implements the Error interface.
type CacheError struct {
	Function     string  `json:"-"`
	ErrorCode    ErrCode `json:"errorCode"`
	ErrorMessage string  `json:"errorDetail"`
	Err          error   `json:"-"`
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Function, e.ErrorMessage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Function, e.ErrorMessage)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// New returns a CacheError with no underlying cause
func New(function string, errCode ErrCode, errMessage string) error {
	return &CacheError{
		Function:     function,
		ErrorCode:    errCode,
		ErrorMessage: errMessage,
	}
}

// Wrap returns a CacheError carrying err as its cause. A nil err returns nil.
func Wrap(function string, errCode ErrCode, err error) error {
	if err == nil {
		return nil
	}
	return &CacheError{
		Function:     function,
		ErrorCode:    errCode,
		ErrorMessage: errCode.String(),
		Err:          err,
	}
}

// Code returns the ErrCode of the first CacheError in err's chain. Errors that
// carry no code are Unknown, and nil is 0.
func Code(err error) ErrCode {
	if err == nil {
		return 0
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.ErrorCode
	}
	return Unknown
}

// Is reports whether err carries the given code
func Is(err error, errCode ErrCode) bool {
	return err != nil && Code(err) == errCode
}
