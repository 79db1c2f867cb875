package errors

import (
	stderrors "errors"
	"fmt"
)

// SDKError SDK对外统一错误
// Code 仅在 Network 时有意义（服务端返回码）
// Field 仅在 InvalidParameter 时有意义
// TimeoutSecs 仅在 Timeout 时有意义
type SDKError struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	Code        int32  `json:"code,omitempty"`
	Field       string `json:"field,omitempty"`
	TimeoutSecs uint64 `json:"timeout_secs,omitempty"`
	Cause       error  `json:"-"`
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SDKError) Unwrap() error { return e.Cause }

// Constructors

func New(kind Kind, message string) error {
	return &SDKError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &SDKError{Kind: kind, Message: message, Cause: cause}
}

func Generic(msg string) error {
	return New(KindGeneric, msg)
}

// Database 本地存储错误，包装底层驱动原因
func Database(msg string, cause error) error {
	return Wrap(KindDatabase, msg, cause)
}

// Network 服务端非零返回码或传输层失败
func Network(code int32, msg string) error {
	return &SDKError{Kind: KindNetwork, Code: code, Message: msg}
}

func NetworkWrap(msg string, cause error) error {
	return Wrap(KindNetwork, msg, cause)
}

func Authentication(reason string) error {
	return New(KindAuthentication, reason)
}

func InvalidParameter(field, msg string) error {
	return &SDKError{Kind: KindInvalidParameter, Field: field, Message: msg}
}

func Timeout(timeoutSecs uint64) error {
	return &SDKError{Kind: KindTimeout, TimeoutSecs: timeoutSecs,
		Message: fmt.Sprintf("operation timed out after %ds", timeoutSecs)}
}

func Disconnected() error {
	return New(KindDisconnected, "not connected")
}

func NotInitialized() error {
	return New(KindNotInitialized, "sdk not initialized")
}

func UploadFailed(msg string) error {
	return New(KindUploadFailed, msg)
}

func PermissionDenied(msg string) error {
	return New(KindPermissionDenied, msg)
}

// KindOf 判定错误种类
// 非 SDKError 一律视为 Generic
func KindOf(err error) Kind {
	var se *SDKError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return KindGeneric
}

// CodeOf 取出 Network 错误携带的服务端返回码，无则为0
func CodeOf(err error) int32 {
	var se *SDKError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Is 判断错误是否属于指定种类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
