package ledger

import "fmt"

// Code is the stable numeric result code of a failed ledger call.
type Code uint32

const (
	CodeGiftNotFound   Code = 101
	CodeAlreadySettled Code = 102
	CodeInvalidSecret  Code = 103
	CodeNotSender      Code = 104
	CodeTooEarly       Code = 105
	CodeZeroAmount     Code = 106
)

var codeNames = map[Code]string{
	CodeGiftNotFound:   "GiftNotFound",
	CodeAlreadySettled: "AlreadySettled",
	CodeInvalidSecret:  "InvalidSecret",
	CodeNotSender:      "NotSender",
	CodeTooEarly:       "TooEarly",
	CodeZeroAmount:     "ZeroAmount",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error is a typed ledger rejection. Values are compared by identity, so
// callers should use errors.Is against the exported sentinels.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: %s (%d)", e.Code, uint32(e.Code))
}

var (
	ErrGiftNotFound   = &Error{Code: CodeGiftNotFound}
	ErrAlreadySettled = &Error{Code: CodeAlreadySettled}
	ErrInvalidSecret  = &Error{Code: CodeInvalidSecret}
	ErrNotSender      = &Error{Code: CodeNotSender}
	ErrTooEarly       = &Error{Code: CodeTooEarly}
	ErrZeroAmount     = &Error{Code: CodeZeroAmount}
)
