package errors

import (
	"errors"
	"fmt"
)

// 预定义错误
var (
	ErrNotFound          = New(404, "资源不存在")
	ErrUnauthenticated   = New(401, "未登录")
	ErrUnauthorized      = New(401, "未授权")
	ErrForbidden         = New(403, "禁止访问")
	ErrNotAdmin          = New(403, "非管理员禁止访问")
	ErrBadRequest        = New(400, "请求错误")
	ErrInternalServer    = New(500, "服务器内部错误")
	ErrInvalidCredential = New(401, "用户名或密码错误")
	ErrTokenExpired      = New(401, "令牌已过期")
	ErrTokenInvalid      = New(401, "令牌无效")
	ErrProfileNotFound   = New(404, "用户资料不存在")
	ErrNotImplemented    = New(501, "功能未实现")
)

// AppError 应用错误，Code 沿用 HTTP 状态码语义
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 解包错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建新错误
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装错误
func Wrap(err error, code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Upstream 上游服务失败
func Upstream(err error, message string) *AppError {
	if message == "" {
		message = "上游服务请求失败"
	}
	return Wrap(err, 502, message)
}

// NotFound 创建未找到错误
func NotFound(resource string) *AppError {
	return New(404, fmt.Sprintf("%s不存在", resource))
}

// BadRequest 创建请求错误
func BadRequest(message string) *AppError {
	return New(400, message)
}

// Unauthorized 创建未授权错误
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "未授权"
	}
	return New(401, message)
}

// Forbidden 创建禁止访问错误
func Forbidden(message string) *AppError {
	if message == "" {
		message = "禁止访问"
	}
	return New(403, message)
}

// Internal 创建内部错误
func Internal(message string) *AppError {
	if message == "" {
		message = "服务器内部错误"
	}
	return New(500, message)
}

// Is 检查是否为指定错误
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 类型转换错误
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码，沿错误链查找第一个 AppError
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return 500
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// IsAuthFailure 是否为认证/授权失败（401/403）
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	code := GetCode(err)
	return code == 401 || code == 403
}

// IsNotFound 是否为资源不存在
func IsNotFound(err error) bool {
	return err != nil && GetCode(err) == 404
}
