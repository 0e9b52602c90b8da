package errs

import "net/http"

// 协议/业务错误码；wire 上的 error 帧带 code + msg
const (
	ServerInternalError = 500
	RecordNotFoundError = 404
	ArgsError           = 1001
	ErrBadFrameCode     = 1002
	ErrUnknownTypeCode  = 1003
	ErrForbiddenCode    = 1004
	ErrPersistCode      = 1005
	ErrRateLimitedCode  = 1006
	ErrUpstreamCode     = 1007
	ErrUnauthorizedCode = 1401
)

var (
	ErrArgs           = NewCodeError(ArgsError, "invalid_payload")
	ErrBadFrame       = NewCodeError(ErrBadFrameCode, "bad_frame")
	ErrUnknownType    = NewCodeError(ErrUnknownTypeCode, "unknown_type")
	ErrForbidden      = NewCodeError(ErrForbiddenCode, "forbidden")
	ErrPersist        = NewCodeError(ErrPersistCode, "persist_failed")
	ErrRateLimited    = NewCodeError(ErrRateLimitedCode, "rate_limited")
	ErrUpstream       = NewCodeError(ErrUpstreamCode, "upstream_unavailable")
	ErrInternal       = NewCodeError(ServerInternalError, "internal")
	ErrTokenExpired   = NewCodeError(ErrUnauthorizedCode, "unauthorized")
	ErrRecordNotFound = NewCodeError(RecordNotFoundError, "record_not_found")
)

var httpStatus = map[int]int{
	ArgsError:           http.StatusBadRequest,
	ErrBadFrameCode:     http.StatusBadRequest,
	ErrUnknownTypeCode:  http.StatusBadRequest,
	ErrForbiddenCode:    http.StatusForbidden,
	ErrPersistCode:      http.StatusInternalServerError,
	ErrRateLimitedCode:  http.StatusTooManyRequests,
	ErrUpstreamCode:     http.StatusBadGateway,
	ErrUnauthorizedCode: http.StatusUnauthorized,
	RecordNotFoundError: http.StatusNotFound,
}

// HTTPStatus maps the first CodeError in err's chain to a response status.
// Errors without a code are 500.
func HTTPStatus(err error) int {
	if ce, ok := AsCode(err); ok {
		if s, ok := httpStatus[ce.Code]; ok {
			return s
		}
	}
	return http.StatusInternalServerError
}
