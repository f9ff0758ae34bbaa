package smerror

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"syscall"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Response"     json:"-"`
	Errors    []Error  `xml:"Errors>Error" json:"errors"`
	RequestID string   `xml:"RequestID"    json:"requestID"`
}

func (er *ErrorResponse) Error() string {
	str := fmt.Sprintf("RequestID: %s", er.RequestID)
	for _, e := range er.Errors {
		str += fmt.Sprintf("; %s", e.Error())
	}
	return str
}

// Error 单个错误信息
type Error struct {
	Code       string `xml:"Code"             json:"code"`
	Message    string `xml:"Message"          json:"message"`
	Object     string `xml:"Object,omitempty" json:"object,omitempty"` // SR 或 VDI UUID
	Errno      int    `xml:"Errno,omitempty"  json:"errno,omitempty"`  // 底层 OS 错误码
	HTTPStatus int    `xml:"-"                json:"-"`
	RawError   error  `xml:"-"                json:"-"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Object != "" {
		str += fmt.Sprintf(" (object: %s)", e.Object)
	}
	if e.RawError != nil {
		str += fmt.Sprintf(" (RawError: %v)", e.RawError)
	}
	return str
}

// Is 按错误码判断错误类型
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e == nil || t == nil {
		return false
	}

	return e.Code == t.Code
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.RawError
}

var _ interface {
	Error() string
	Is(target error) bool
	Unwrap() error
} = (*Error)(nil)

// Retryable 判断调用方是否可以重试
// 只有瞬时的 I/O 与资源繁忙类错误可以重试，结构性错误必须上报
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeSRUnavailable, CodeDeviceBusy, CodeCoalesceFailure, CodeLockTimeout:
		return true
	}
	return false
}

// WithObject 返回带对象标识的副本
func (e *Error) WithObject(object string) *Error {
	c := *e
	c.Object = object
	return &c
}

// New 创建新的错误，HTTP 状态码由错误码决定
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: statusFor(code),
	}
}

// Newf 创建格式化消息的错误
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装原始错误，如果原始错误中带有 syscall.Errno 则记录 errno
func Wrap(code, message string, rawError error) *Error {
	e := New(code, message)
	e.RawError = rawError
	var errno syscall.Errno
	if errors.As(rawError, &errno) {
		e.Errno = int(errno)
	}
	return e
}

// WrapError 包装预定义错误，保留错误码和状态码
func WrapError(baseErr *Error, message string, rawError error) *Error {
	e := Wrap(baseErr.Code, message, rawError)
	e.HTTPStatus = baseErr.HTTPStatus
	e.Object = baseErr.Object
	return e
}

// CodeOf 返回错误链中第一个 *Error 的错误码，没有则返回空字符串
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable 判断错误链中的 *Error 是否可重试
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// NewErrorResponse 创建新的错误响应
func NewErrorResponse(requestID string, errs ...*Error) *ErrorResponse {
	list := make([]Error, len(errs))
	for i, e := range errs {
		list[i] = *e
	}
	return &ErrorResponse{
		Errors:    list,
		RequestID: requestID,
	}
}

// AddError 添加错误到响应
func (er *ErrorResponse) AddError(err *Error) {
	er.Errors = append(er.Errors, *err)
}

// ToXML 转换为 XML 格式
func (er *ErrorResponse) ToXML() ([]byte, error) {
	return xml.MarshalIndent(er, "", "    ")
}

func statusFor(code string) int {
	switch code {
	case CodeConfigMissing, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeVDINotFound, CodeSRNotFound:
		return http.StatusNotFound
	case CodeDeviceBusy, CodeVDIInUse, CodeSRNotEmpty, CodeNotMaster, CodeSRNotAttached:
		return http.StatusConflict
	case CodeSRUnavailable, CodeLockTimeout:
		return http.StatusServiceUnavailable
	case CodeUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
