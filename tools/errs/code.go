package errs

import "fmt"

const (
	CodeOK = 200

	ArgsError          = 1001
	UnauthorizedError  = 1002
	NotAuthenticated   = 1003
	NotFoundError      = 1004
	DuplicateError     = 1009
	GatewayUnavailable = 1503

	ConnClosedError     = 2001
	SendBufferFullError = 2002

	ServerInternalError = 500
)

var (
	ErrArgs               = NewCodeError(ArgsError, "ArgsError")
	ErrUnauthorized       = NewCodeError(UnauthorizedError, "Unauthorized")
	ErrNotAuthenticated   = NewCodeError(NotAuthenticated, "NotAuthenticated")
	ErrNotFound           = NewCodeError(NotFoundError, "NotFound")
	ErrDuplicate          = NewCodeError(DuplicateError, "Duplicate")
	ErrGatewayUnavailable = NewCodeError(GatewayUnavailable, "GatewayUnavailable")
	ErrConnClosed         = NewCodeError(ConnClosedError, "ConnClosed")
	ErrSendBufferFull     = NewCodeError(SendBufferFullError, "SendBufferFull")
	ErrInternal           = NewCodeError(ServerInternalError, "ServerInternalError")
)

// ErrPanic 把 recover() 的值转成内部错误
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg("panic", "value", fmt.Sprint(r))
}
