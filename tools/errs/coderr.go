package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// CodeError is a protocol error: Code and Msg go on the wire, Detail is for
// logs and the optional human-readable message.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{Code: code, Msg: msg}
}

func (e *CodeError) ECode() int      { return e.Code }
func (e *CodeError) EMsg() string    { return e.Msg }
func (e *CodeError) DDetail() string { return e.Detail }

// WithDetail returns a copy with detail appended; the shared sentinel is
// never mutated.
func (e *CodeError) WithDetail(detail string) CodeError {
	c := *e
	c.appendDetail(detail)
	return c
}

func (e *CodeError) appendDetail(d string) {
	if d == "" {
		return
	}
	if e.Detail == "" {
		e.Detail = d
		return
	}
	e.Detail += ", " + d
}

// Wrap attaches a stack trace to a copy of e.
func (e *CodeError) Wrap() error {
	c := *e
	return pkgerrors.WithStack(&c)
}

// WrapMsg is Wrap with "msg, k=v, ..." appended to Detail.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := *e
	c.appendDetail(toString(msg, kv))
	return pkgerrors.WithStack(&c)
}

// Is matches any CodeError with the same code, so errors.Is(err, &ErrPersist)
// works on wrapped copies.
func (e *CodeError) Is(target error) bool {
	var other *CodeError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

func (e *CodeError) Error() string {
	s := strconv.Itoa(e.Code) + " " + e.Msg
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// AsCode extracts the first CodeError in err's chain.
func AsCode(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ErrPanic turns a recovered value into an internal error; nil stays nil.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg(fmt.Sprint(r))
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

// toString renders msg followed by k=v pairs; an odd trailing key gets
// MISSING.
func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	parts := make([]string, 0, len(kv)/2+1)
	if msg != "" {
		parts = append(parts, msg)
	}
	for i := 0; i < len(kv); i += 2 {
		v := any("MISSING")
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		parts = append(parts, fmt.Sprintf("%v=%v", kv[i], v))
	}
	return strings.Join(parts, ", ")
}
