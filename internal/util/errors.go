package util

import (
	"errors"
	"fmt"
)

// ErrorKind 业务错误分类
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindForbidden
	KindConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// AppError 带分类的业务错误
type AppError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrValidation) 之类按分类匹配
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation  = &AppError{Kind: KindValidation}
	ErrNotFound    = &AppError{Kind: KindNotFound}
	ErrForbidden   = &AppError{Kind: KindForbidden}
	ErrConsistency = &AppError{Kind: KindConsistency}
)

var (
	ErrEmailRegistered    = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func NewValidation(msg string) error {
	return &AppError{Kind: KindValidation, Msg: msg}
}

func NewNotFound(msg string) error {
	return &AppError{Kind: KindNotFound, Msg: msg}
}

func NewForbidden(msg string) error {
	return &AppError{Kind: KindForbidden, Msg: msg}
}

// TryAgain 多文档写入失败并已回滚，调用方可以重试
func TryAgain(err error) error {
	return &AppError{Kind: KindConsistency, Msg: "operation failed, please try again", Err: err}
}

// KindOf 返回错误分类，非 AppError 返回 0
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return 0
}
