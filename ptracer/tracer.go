//go:build linux
// +build linux

package ptracer

import (
	"os"
)

// TraceAction 定义了 Handle 返回的动作
type TraceAction int

const (
	// TraceAllow 直接放行系统调用
	TraceAllow TraceAction = iota
	// TraceBan 跳过系统调用并返回由 SetReturnValue 指定的返回值
	TraceBan
	// TraceKill 终止整个运行
	TraceKill
	// TraceExit 放行系统调用，并在系统调用退出时调用 HandleExit
	TraceExit
	// TraceScratch 表示需要暂存缓冲区：跟踪器在被跟踪线程中分配缓冲区后，
	// 让同一个系统调用重新执行，此时 Context.Scratch 可用
	TraceScratch
)

// Tracer 定义了一个 ptracer 实例
type Tracer struct {
	Handler
	Runner

	// Signals 中收到的信号会转发给被跟踪的进程组，可以为 nil
	Signals <-chan os.Signal
}

// Runner 表示进程运行器
type Runner interface {
	// Start 启动子进程并返回 pid 和错误（如果失败）
	// 子进程应该启用 ptrace 并在加载 seccomp 之前停止，
	// 且 pid 同时是新进程组的 ID
	Start() (int, error)
}

// FailureReporter 由能够说明子进程在 execve 之前为何退出的 Runner 实现
type FailureReporter interface {
	// Failure 在子进程退出之后调用，返回子进程报告的错误
	Failure() error
}

// Handler 定义了跟踪系统调用的自定义处理器
type Handler interface {
	// Handle 在 seccomp 停止（系统调用入口）时调用，返回对被跟踪程序采取的动作
	Handle(*Context) TraceAction

	// HandleExit 在 Handle 返回 TraceExit 的系统调用退出时调用
	HandleExit(*Context) error

	// Release 丢弃某个线程的全部状态，在线程退出或 execve 成功时调用
	Release(pid int)

	// Debug 在调试模式下打印调试信息
	Debug(v ...interface{})
}
