// Package errs 定义同步引擎统一的错误类型。
// 下层 (source / sink / queue) 只负责返回带分类和可重试标记的错误，
// 由编排层决定重试、隔离还是让任务失败。
package errs

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindConfiguration Kind = "configuration" // 配置错误, 不可重试
	KindTransient     Kind = "transient"     // 网络/超时等瞬时错误, 可重试
	KindData          Kind = "data"          // 单条数据错误, 进入隔离区
	KindConsistency   Kind = "consistency"   // 一致性校验不通过, 只报告
	KindFatal         Kind = "fatal"         // 超时、显式停止等, 任务进入终态
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict" // 非法状态流转、锁被占用
)

// SyncError 带分类的错误
type SyncError struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
	Fields    map[string]interface{}
}

func (e *SyncError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithField 附加上下文字段
func (e *SyncError) WithField(key string, value interface{}) *SyncError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func newError(kind Kind, retryable bool, op string, err error) *SyncError {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &SyncError{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

func Config(op string, err error) *SyncError      { return newError(KindConfiguration, false, op, err) }
func Transient(op string, err error) *SyncError   { return newError(KindTransient, true, op, err) }
func Data(op string, err error) *SyncError        { return newError(KindData, false, op, err) }
func Consistency(op string, err error) *SyncError { return newError(KindConsistency, false, op, err) }
func Fatal(op string, err error) *SyncError       { return newError(KindFatal, false, op, err) }
func NotFound(op string, err error) *SyncError    { return newError(KindNotFound, false, op, err) }
func Conflict(op string, err error) *SyncError    { return newError(KindConflict, false, op, err) }

// Configf / Dataf 等带格式化的快捷方式
func Configf(op, format string, args ...interface{}) *SyncError {
	return Config(op, fmt.Errorf(format, args...))
}

func Dataf(op, format string, args ...interface{}) *SyncError {
	return Data(op, fmt.Errorf(format, args...))
}

func Transientf(op, format string, args ...interface{}) *SyncError {
	return Transient(op, fmt.Errorf(format, args...))
}

func Conflictf(op, format string, args ...interface{}) *SyncError {
	return Conflict(op, fmt.Errorf(format, args...))
}

func NotFoundf(op, format string, args ...interface{}) *SyncError {
	return NotFound(op, fmt.Errorf(format, args...))
}

// KindOf 返回错误链上第一个 SyncError 的分类; 未分类的错误按瞬时错误处理
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsRetryable 未分类的错误默认可重试 (多数来自驱动层的网络错误)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

func IsConfiguration(err error) bool { return is(err, KindConfiguration) }
func IsData(err error) bool          { return is(err, KindData) }
func IsFatal(err error) bool         { return is(err, KindFatal) }
func IsNotFound(err error) bool      { return is(err, KindNotFound) }
func IsConflict(err error) bool      { return is(err, KindConflict) }

func is(err error, kind Kind) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == kind
}
