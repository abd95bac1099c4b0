// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 工作流相关错误类型
	ErrorTypeValidation   ErrorType = "validation_error"   // AI结果形状校验失败
	ErrorTypePrecondition ErrorType = "precondition_error" // 阶段推进前置条件不满足
	ErrorTypeTaskActive   ErrorType = "task_active"        // 同一蓝图已有进行中的任务
	ErrorTypePersistence  ErrorType = "persistence_error"  // 持久化写入失败，可重试
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeError        ErrorType = "processing_error"
	ErrorTypeTimeout      ErrorType = "timeout"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
	Stage   string // 产生错误的工作流阶段（可选）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s", e.Stage, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStage 标注产生错误的工作流阶段
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建AI结果校验错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewPreconditionError 创建阶段前置条件错误
func NewPreconditionError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePrecondition, message, originalError)
}

// NewTaskActiveError 创建任务互斥冲突错误
func NewTaskActiveError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTaskActive, message, originalError)
}

// NewPersistenceError 创建持久化错误
func NewPersistenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePersistence, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// isType 检查错误链中是否存在指定类型的 AppError
func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// IsValidationError 检查是否为校验错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsPreconditionError 检查是否为前置条件错误
func IsPreconditionError(err error) bool { return isType(err, ErrorTypePrecondition) }

// IsTaskActiveError 检查是否为任务互斥冲突
func IsTaskActiveError(err error) bool { return isType(err, ErrorTypeTaskActive) }

// IsPersistenceError 检查是否为持久化错误
func IsPersistenceError(err error) bool { return isType(err, ErrorTypePersistence) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypePrecondition:
		return "PRECONDITION_FAILED"
	case ErrorTypeTaskActive:
		return "TASK_ALREADY_ACTIVE"
	case ErrorTypePersistence:
		return "PERSISTENCE_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Stage:   appError.Stage,
		}
	}

	return NewAppError(errType, message, err)
}
