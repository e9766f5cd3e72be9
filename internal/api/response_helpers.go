// internal/api/response_helpers.go
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
)

// APIResponse 统一响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 错误响应体
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}

	c.JSON(http.StatusCreated, response)
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:    errorCode,
			Message: message,
		},
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// HandleServiceError 将服务层错误映射为HTTP响应
func (rh *ResponseHelper) HandleServiceError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		rh.Error(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	rh.Error(c, statusForErrorType(appErr.Type), string(appErr.Type), appErr.Message)
}

// statusForErrorType 引擎错误类型到HTTP状态码的映射
func statusForErrorType(errType apperrors.ErrorType) int {
	switch errType {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict,
		apperrors.ErrorTypeDuplicateID,
		apperrors.ErrorTypeStreamFinalized:
		return http.StatusConflict
	case apperrors.ErrorTypeInvalidOption:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeGenerationInProgress:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeDanglingEdge,
		apperrors.ErrorTypeGraphInvalid:
		// 内容缺陷不是客户端的错
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
