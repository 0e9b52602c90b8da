package global

import "ShiftChat/tools/errs"

// Msg 内部 HTTP 接口统一返回体
type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

// Fail 从 CodeError 生成返回体；其他错误按 internal 处理
func Fail(err error) *Msg {
	if ce, ok := errs.AsCode(err); ok {
		return &Msg{Code: ce.ECode(), Msg: ce.EMsg()}
	}
	return &Msg{Code: errs.ServerInternalError, Msg: err.Error()}
}
