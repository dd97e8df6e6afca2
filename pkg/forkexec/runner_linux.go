package forkexec

import (
	"syscall"
)

// Runner 是一个配置结构体，描述如何创建一个被跟踪的子进程
// 子进程在新的会话中运行（setsid），可以选择切换用户身份
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args: 命令行参数数组，Args[0] 是要执行的程序路径
	// Env: 环境变量数组，格式为 "KEY=VALUE"
	Args []string
	Env  []string

	// Files 定义了新进程的文件描述符映射
	// 索引从 0 开始，通常 0,1,2 分别对应 stdin, stdout, stderr
	Files []uintptr

	// Chroot 非空时子进程在 chdir 之前切换根目录
	// 路径相对于调用者的根，切换发生在放弃权能之前
	Chroot string

	// WorkDir 设置子进程的工作目录，通过 chdir(dir) 实现
	// 该 chdir 发生在 chroot 之后、ptrace 之前，不会被重定向
	WorkDir string

	// Seccomp 定义了系统调用过滤器
	Seccomp *syscall.SockFprog

	// Credential 保存了子进程要使用的用户和组身份信息
	// 设置后子进程在 execve 前放弃所有权能
	Credential *syscall.Credential

	// SyncFunc 用于父子进程通过套接字对同步状态
	// 会传入子进程的 PID 作为参数
	// 如果 SyncFunc 返回错误，父进程会终止子进程并报告错误
	SyncFunc func(int) error

	// Ptrace 控制子进程调用 ptrace(PTRACE_TRACEME)
	// 跟踪器需要调用 runtime.LockOSThread 来使用 ptrace 系统调用
	Ptrace bool

	// NoNewPrivs 通过 prctl(PR_SET_NO_NEW_PRIVS) 禁用对 setuid 进程的调用
	// 当提供 seccomp 过滤器时自动启用
	NoNewPrivs bool

	// StopBeforeSeccomp 在 seccomp 调用前通过 kill(getpid(), SIGSTOP) 等待跟踪器继续
	// 当同时启用 seccomp 过滤器和 ptrace 时自动启用
	StopBeforeSeccomp bool

	// late 接收同步之后子进程报告的失败，由最近一次 Start 设置
	late chan error
}

// Failure 返回最近一次 Start 的子进程在同步之后、execve 成功之前报告的失败，
// 没有失败时返回 nil。只在启用 ptrace 或 StopBeforeSeccomp 时有意义，
// 并且必须在子进程退出之后调用，否则会一直等待到 execve
func (r *Runner) Failure() error {
	if r.late == nil {
		return nil
	}
	return <-r.late
}
