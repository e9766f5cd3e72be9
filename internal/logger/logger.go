// internal/logger/logger.go
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志器，封装zap并带模块标签
type Logger struct {
	base *zap.Logger
}

var (
	globalLogger *Logger
	loggerMutex  sync.RWMutex
)

// GetLogger 返回全局日志器实例
// 在 Init 被调用之前返回仅输出到控制台的日志器
func GetLogger() *Logger {
	loggerMutex.RLock()
	if globalLogger != nil {
		defer loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = &Logger{base: newConsoleLogger(false)}
	}
	return globalLogger
}

// Init 初始化全局日志器，输出到滚动日志文件和控制台
func Init(logFile string, debugMode bool) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 文件输出：JSON编码 + lumberjack滚动
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // 天
		Compress:   true,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zap.InfoLevel,
	)

	consoleLevel := zap.InfoLevel
	if debugMode {
		consoleLevel = zap.DebugLevel
	}
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stdout),
		consoleLevel,
	)

	base := zap.New(zapcore.NewTee(fileCore, consoleCore), zap.AddCaller())

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = &Logger{base: base}
	return nil
}

// newConsoleLogger 创建仅控制台输出的日志器
func newConsoleLogger(debugMode bool) *zap.Logger {
	level := zap.InfoLevel
	if debugMode {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stdout),
		level,
	)
	return zap.New(core, zap.AddCaller())
}

// Named 返回带模块名的子日志器
func (l *Logger) Named(module string) *Logger {
	return &Logger{base: l.base.Named(module)}
}

// With 返回带附加字段的子日志器
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{base: l.base.With(fields...)}
}

// Debug 记录调试日志
func (l *Logger) Debug(message string, fields ...zap.Field) {
	l.base.Debug(message, fields...)
}

// Info 记录信息日志
func (l *Logger) Info(message string, fields ...zap.Field) {
	l.base.Info(message, fields...)
}

// Warn 记录警告日志
func (l *Logger) Warn(message string, fields ...zap.Field) {
	l.base.Warn(message, fields...)
}

// Error 记录错误日志
func (l *Logger) Error(message string, fields ...zap.Field) {
	l.base.Error(message, fields...)
}

// Fatal 记录致命错误并退出
func (l *Logger) Fatal(message string, fields ...zap.Field) {
	l.base.Fatal(message, fields...)
}

// Sync 刷新缓冲的日志
func (l *Logger) Sync() error {
	return l.base.Sync()
}
