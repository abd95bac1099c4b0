// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
)

// APIResponse 统一的响应信封
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 响应中的错误描述
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"` // 产生错误的工作流阶段
	Details string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
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

// Accepted 任务已受理响应：返回任务句柄，结果经由任务状态查询获取
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "任务已受理"
	}

	c.JSON(http.StatusAccepted, response)
}

// sanitizeErrorMessage 去除错误消息中可能泄露的敏感内容
func sanitizeErrorMessage(message string) string {
	lowered := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "password"} {
		if strings.Contains(lowered, pattern) {
			return "服务内部错误"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	response := &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusNotFound, ErrorNotFound, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// FromAppError 把应用错误映射为HTTP响应。
// 错误类型决定状态码，错误代码与阶段透传给客户端。
func (rh *ResponseHelper) FromAppError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Type {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypePrecondition:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrorTypeTaskActive:
		status = http.StatusConflict
	case apperrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	apiError := &APIError{
		Code:    appErr.Code,
		Message: sanitizeErrorMessage(appErr.Message),
		Stage:   appErr.Stage,
	}
	if appErr.Err != nil {
		apiError.Details = sanitizeErrorMessage(appErr.Err.Error())
	}

	c.JSON(status, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return ""
}
