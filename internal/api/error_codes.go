// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"

	// 蓝图与视频相关错误
	ErrorBlueprintNotFound = "BLUEPRINT_NOT_FOUND"
	ErrorVideoNotFound     = "VIDEO_NOT_FOUND"
	ErrorVideoInvalid      = "VIDEO_INVALID"

	// 工作流相关错误
	ErrorPreconditionFailed = "PRECONDITION_FAILED"
	ErrorValidationFailed   = "VALIDATION_ERROR"
	ErrorStageInvalid       = "STAGE_INVALID"

	// 任务相关错误
	ErrorTaskNotFound      = "TASK_NOT_FOUND"
	ErrorTaskAlreadyActive = "TASK_ALREADY_ACTIVE"
	ErrorTaskNotRetryable  = "TASK_NOT_RETRYABLE"

	// 持久化相关错误
	ErrorPersistenceFailed = "PERSISTENCE_ERROR"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
)
