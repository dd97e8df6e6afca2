// Package errdefs 定义了会话操作的错误分类
//
// 所有组件返回 *Error，调用者通过 IsKind 判断错误类别，
// 原始的系统错误通过 %w 保留，便于诊断
package errdefs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind 是错误类别
type Kind int

const (
	// KindIo 未被其他类别覆盖的底层系统错误（挂载、卸载、跟踪、进程创建等）
	KindIo Kind = iota
	// KindInvalidArgument 调用者输入不合法，例如命令为空
	KindInvalidArgument
	// KindNotRoot 缺少所需的特权
	KindNotRoot
	// KindSetupRequired 缺少前置条件（状态目录、内核功能）
	KindSetupRequired
	// KindSessionNotFound 引用的会话不存在
	KindSessionNotFound
)

var kindString = []string{
	"io error",
	"invalid argument",
	"not root",
	"setup required",
	"session not found",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindString) {
		return kindString[k]
	}
	return kindString[0]
}

// Error 实现了 errors.Is 的类别匹配，因此 errors.Is(err, errdefs.KindNotRoot) 也可用
func (k Kind) Error() string {
	return k.String()
}

// Error 是带类别的错误
type Error struct {
	Kind    Kind
	Op      string // 出错的操作，例如 "mount"、"remove"
	Session string // 相关会话名称，可为空
	Path    string // 相关路径，可为空
	Err     error  // 原始错误
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Session != "" {
		msg += " " + e.Session
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, KindX) 按类别匹配
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New 创建指定类别的错误
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf 创建带格式化消息的错误
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithSession 返回附带会话名称的副本
func (e *Error) WithSession(name string) *Error {
	c := *e
	c.Session = name
	return &c
}

// WithPath 返回附带路径的副本
func (e *Error) WithPath(p string) *Error {
	c := *e
	c.Path = p
	return &c
}

// FromErrno 按系统错误码推断类别
//   - EPERM / EACCES -> NotRoot
//   - ENODEV -> SetupRequired（内核不支持该文件系统）
//   - 其他 -> Io
func FromErrno(op string, err error) *Error {
	var no syscall.Errno
	if errors.As(err, &no) {
		switch no {
		case syscall.EPERM, syscall.EACCES:
			return New(KindNotRoot, op, err)
		case syscall.ENODEV:
			return New(KindSetupRequired, op, err)
		}
	}
	return New(KindIo, op, err)
}

// KindOf 返回错误链上第一个 *Error 的类别，非 *Error 视为 Io
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIo
}

// IsKind 判断错误链上是否存在指定类别
func IsKind(err error, kind Kind) bool {
	return err != nil && errors.Is(err, kind)
}
