// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 引擎错误类型
	ErrorTypeDuplicateID          ErrorType = "duplicate_id"
	ErrorTypeStreamFinalized      ErrorType = "stream_finalized"
	ErrorTypeInvalidOption        ErrorType = "invalid_option"
	ErrorTypeDanglingEdge         ErrorType = "dangling_edge"
	ErrorTypeGenerationInProgress ErrorType = "generation_in_progress"
	ErrorTypeGraphInvalid         ErrorType = "graph_invalid"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
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

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewDuplicateIDError 创建消息ID重复错误
func NewDuplicateIDError(message string) *AppError {
	return NewAppError(ErrorTypeDuplicateID, message, nil)
}

// NewStreamFinalizedError 创建流式消息已定稿错误
func NewStreamFinalizedError(message string) *AppError {
	return NewAppError(ErrorTypeStreamFinalized, message, nil)
}

// NewInvalidOptionError 创建无效选项错误
func NewInvalidOptionError(message string) *AppError {
	return NewAppError(ErrorTypeInvalidOption, message, nil)
}

// NewDanglingEdgeError 创建悬空边错误
func NewDanglingEdgeError(message string) *AppError {
	return NewAppError(ErrorTypeDanglingEdge, message, nil)
}

// NewGenerationInProgressError 创建生成进行中错误
func NewGenerationInProgressError(message string) *AppError {
	return NewAppError(ErrorTypeGenerationInProgress, message, nil)
}

// NewGraphInvalidError 创建剧情图非法错误
func NewGraphInvalidError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeGraphInvalid, message, originalError)
}

// IsErrorType 检查错误是否为指定类型
func IsErrorType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return IsErrorType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return IsErrorType(err, ErrorTypeConflict)
}

// IsDuplicateIDError 检查是否为消息ID重复错误
func IsDuplicateIDError(err error) bool {
	return IsErrorType(err, ErrorTypeDuplicateID)
}

// IsStreamFinalizedError 检查是否为流式消息已定稿错误
func IsStreamFinalizedError(err error) bool {
	return IsErrorType(err, ErrorTypeStreamFinalized)
}

// IsInvalidOptionError 检查是否为无效选项错误
func IsInvalidOptionError(err error) bool {
	return IsErrorType(err, ErrorTypeInvalidOption)
}

// IsDanglingEdgeError 检查是否为悬空边错误
func IsDanglingEdgeError(err error) bool {
	return IsErrorType(err, ErrorTypeDanglingEdge)
}

// IsGenerationInProgressError 检查是否为生成进行中错误
func IsGenerationInProgressError(err error) bool {
	return IsErrorType(err, ErrorTypeGenerationInProgress)
}

// IsGraphInvalidError 检查是否为剧情图非法错误
func IsGraphInvalidError(err error) bool {
	return IsErrorType(err, ErrorTypeGraphInvalid)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeDuplicateID:
		return "DUPLICATE_ID"
	case ErrorTypeStreamFinalized:
		return "STREAM_FINALIZED"
	case ErrorTypeInvalidOption:
		return "INVALID_OPTION"
	case ErrorTypeDanglingEdge:
		return "DANGLING_EDGE"
	case ErrorTypeGenerationInProgress:
		return "GENERATION_IN_PROGRESS"
	case ErrorTypeGraphInvalid:
		return "GRAPH_INVALID"
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
		}
	}

	return NewAppError(errType, message, err)
}
