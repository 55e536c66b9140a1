package ilp

import "fmt"

// Three-byte ILP error codes. F is final, T temporary, R relative.
const (
	CodeInternalError        = "F00"
	CodeUnreachable          = "F02"
	CodeWrongCondition       = "F05"
	CodeAmountTooLarge       = "F08"
	CodeTransferTimedOut     = "R00"
	CodeInsufficientSource   = "R01"
	CodeInsufficientTimeout  = "R02"
	CodeTemporaryFailure     = "T00"
	CodeInsufficientLiquidity = "T04"
	CodeRateLimited          = "T05"
)

// Error is a failure that maps directly onto a REJECT packet. The
// middleware error handler materializes any Error escaping a chain; all
// other error values become F00.
type Error struct {
	Code    string
	Message string
	Data    []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("ilp error %s: %s", e.Code, e.Message)
}

// Errf builds an Error with a formatted message.
func Errf(code string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RejectFrom converts any error into a Reject triggered by the given
// address. *Error keeps its code, everything else is an internal error.
func RejectFrom(err error, triggeredBy Address) *Reject {
	if ilpErr, ok := err.(*Error); ok {
		return &Reject{
			Code:        ilpErr.Code,
			TriggeredBy: triggeredBy,
			Message:     ilpErr.Message,
			Data:        ilpErr.Data,
		}
	}
	return &Reject{
		Code:        CodeInternalError,
		TriggeredBy: triggeredBy,
		Message:     err.Error(),
	}
}
