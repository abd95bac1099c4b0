// internal/errors/errors_test.go
package errors

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"校验错误", NewValidationError("形状不符", nil), IsValidationError},
		{"前置条件错误", NewPreconditionError("阶段未就绪", nil), IsPreconditionError},
		{"任务互斥冲突", NewTaskActiveError("已有进行中的任务", nil), IsTaskActiveError},
		{"持久化错误", NewPersistenceError("写入失败", nil), IsPersistenceError},
		{"未找到", NewNotFoundError("蓝图不存在", nil), IsNotFoundError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("判定函数应命中 %v", tt.err)
			}
			// 其余判定函数不应误报
			if reflect.ValueOf(tt.check).Pointer() != reflect.ValueOf(IsValidationError).Pointer() && IsValidationError(tt.err) {
				t.Errorf("IsValidationError 误报 %v", tt.err)
			}
		})
	}

	if IsValidationError(errors.New("普通错误")) {
		t.Errorf("普通错误不应命中任何判定函数")
	}
	if IsValidationError(nil) {
		t.Errorf("nil不应命中判定函数")
	}
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	inner := NewTaskActiveError("蓝图 v1 已有进行中的任务", nil)
	wrapped := fmt.Errorf("提交失败: %w", inner)

	if !IsTaskActiveError(wrapped) {
		t.Errorf("判定函数应穿透错误链: %v", wrapped)
	}
}

func TestWithStage_PrefixesMessage(t *testing.T) {
	err := NewPreconditionError("成稿尚未装配", nil).WithStage("draft_review")

	if !strings.HasPrefix(err.Error(), "[draft_review]") {
		t.Errorf("错误消息应携带阶段前缀: %q", err.Error())
	}
	if err.Stage != "draft_review" {
		t.Errorf("Stage字段不符: %q", err.Stage)
	}
}

func TestAppError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("磁盘已满")
	err := NewPersistenceError("保存蓝图失败", cause)

	if !errors.Is(err, cause) {
		t.Errorf("错误链应包含原始错误")
	}
	if !strings.Contains(err.Error(), "磁盘已满") {
		t.Errorf("错误消息应包含原始错误: %q", err.Error())
	}
}

func TestWrapError_PreservesTypeAndStage(t *testing.T) {
	inner := NewValidationError("InvalidAIResponse", nil).WithStage("transcript_input")
	wrapped := WrapError(inner, "对白映射失败", ErrorTypeError)

	// 已是AppError时保留原类型，不被包装类型覆盖
	if !IsValidationError(wrapped) {
		t.Errorf("包装后应保留原错误类型: %v", wrapped)
	}

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("包装结果应是AppError")
	}
	if appErr.Stage != "transcript_input" {
		t.Errorf("包装应保留阶段标注: %q", appErr.Stage)
	}
	if appErr.Code != "VALIDATION_ERROR" {
		t.Errorf("包装应保留错误代码: %q", appErr.Code)
	}

	// 普通错误按指定类型包装
	plain := WrapError(errors.New("底层故障"), "处理失败", ErrorTypePersistence)
	if !IsPersistenceError(plain) {
		t.Errorf("普通错误应按指定类型包装: %v", plain)
	}

	if WrapError(nil, "无事发生", ErrorTypeError) != nil {
		t.Errorf("nil错误的包装应返回nil")
	}
}

func TestGenerateErrorCode_CoversWorkflowTypes(t *testing.T) {
	tests := map[ErrorType]string{
		ErrorTypeValidation:   "VALIDATION_ERROR",
		ErrorTypePrecondition: "PRECONDITION_FAILED",
		ErrorTypeTaskActive:   "TASK_ALREADY_ACTIVE",
		ErrorTypePersistence:  "PERSISTENCE_ERROR",
		ErrorTypeNotFound:     "NOT_FOUND",
		ErrorTypeTimeout:      "TIMEOUT",
	}

	for errType, want := range tests {
		if got := NewAppError(errType, "m", nil).Code; got != want {
			t.Errorf("%s 的错误代码应为 %q, 实际 %q", errType, want, got)
		}
	}
}
