// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// 调度器与 Agent 相关错误
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentInactive = errors.New("agent is not active")
	ErrQueueFull     = errors.New("agent queue full")
	ErrEventNotFound = errors.New("event not found")
	ErrEventDropped  = errors.New("event dropped")
	ErrWaitTimeout   = errors.New("wait for result timed out")
	ErrPersistence   = errors.New("queue persistence failed")
	ErrTaskNotFound  = errors.New("task not found")
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolExists    = errors.New("tool already registered")
	ErrStopped       = errors.New("runtime stopped")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 透传标准库 errors.Is，调用方无需同时引入两个 errors 包
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 透传标准库 errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New 透传标准库 errors.New
func New(msg string) error {
	return errors.New(msg)
}
