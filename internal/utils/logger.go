// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG:   "DEBUG",
	INFO:    "INFO",
	WARNING: "WARNING",
	ERROR:   "ERROR",
}

// Logger 工作流引擎的结构化日志器：一条消息加一组字段，
// 同时写入日志文件与标准输出。
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	level LogLevel
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger 获取全局日志器实例
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{level: INFO}
	})
	return globalLogger
}

// InitLogger 在日志目录下按日期打开日志文件（scriptflow-20060102.log），
// 进程跨天不切换，下次启动自然落入新文件。
func InitLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	name := fmt.Sprintf("scriptflow-%s.log", time.Now().Format("20060102"))
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logger := GetLogger()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// SetLogLevel 设置最低输出级别
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// BlueprintFields 构造带蓝图标识的字段集，额外字段并入其后。
// 蓝图相关的服务日志统一经由此处，保证字段名一致可检索。
func BlueprintFields(blueprintID string, extra map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{"blueprint_id": blueprintID}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

// log 组装一行日志并写入。字段按键名排序，输出稳定可比对。
func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	l.mu.Lock()
	minLevel := l.level
	l.mu.Unlock()
	if level < minLevel {
		return
	}

	caller := "?"
	if pc, file, line, ok := runtime.Caller(2); ok {
		funcName := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
			if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
				funcName = funcName[idx+1:]
			}
		}
		caller = fmt.Sprintf("%s:%d:%s", filepath.Base(file), line, funcName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s - %s",
		levelNames[level],
		time.Now().Format("2006-01-02 15:04:05.000"),
		caller,
		message)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	entry := b.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.WriteString(entry)
		l.file.Sync()
	}
	os.Stdout.WriteString(entry)
}

// Debug 输出调试日志
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(DEBUG, message, fields)
}

// Info 输出常规日志
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(INFO, message, fields)
}

// Warn 输出警告日志
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(WARNING, message, fields)
}

// Error 输出错误日志
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(ERROR, message, fields)
}
