package ptrace

import (
	"context"
	"log/slog"
	"os"
	"syscall"

	"github.com/zqzqsb/forkfs/pkg/forkexec"
	"github.com/zqzqsb/forkfs/pkg/seccomp"
	"github.com/zqzqsb/forkfs/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/forkfs/ptracer"
	"github.com/zqzqsb/forkfs/redirect"
	"github.com/zqzqsb/forkfs/runner"
)

var _ runner.Runner = (*Runner)(nil)

// Runner 定义了在会话视图中运行程序所需的配置
type Runner struct {
	// Args 定义子进程的命令行参数，Args[0] 必须是可执行文件的路径
	// 该路径会像其他 execve 参数一样被重定向
	Args []string

	// Env 定义子进程的环境变量
	// 格式：["KEY=VALUE", ...]
	Env []string

	// WorkDir 定义子进程的工作目录，应当已经位于合并视图之内
	WorkDir string

	// Chroot 非空时子进程在切换工作目录之前 chroot 到该目录，
	// 绝对符号链接随之在合并视图之内解析
	Chroot string

	// Files 定义了子进程的文件描述符映射
	// 索引对应新进程中的文件描述符编号（从0开始）
	Files []uintptr

	// Credential 非空时子进程切换到该身份并放弃所有权能
	Credential *syscall.Credential

	// Redirector 定义了路径重定向规则
	Redirector *redirect.Redirector

	// Signals 中的信号转发给子进程所在的进程组
	Signals <-chan os.Signal

	// Logger 用于输出跟踪信息，debug 级别启用时输出每一次改写
	Logger *slog.Logger

	// SyncFunc 在子进程停止等待跟踪之前调用，参数是子进程的 PID
	SyncFunc func(pid int) error
}

// Filter 构建 seccomp 过滤器：需要改写的系统调用交给跟踪器，其余直接放行
func Filter() (seccomp.Filter, error) {
	b := libseccomp.Builder{
		Trace:   TracedSyscalls(),
		Default: libseccomp.ActionAllow,
	}
	return b.Build()
}

// Run 启动进程并跟踪，直到根进程退出
// 1. 构建 seccomp 过滤器
// 2. 配置子进程运行环境
// 3. 创建跟踪器并开始跟踪进程
func (r *Runner) Run(c context.Context) runner.Result {
	filter, err := Filter()
	if err != nil {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  err.Error(),
		}
	}

	ch := &forkexec.Runner{
		Args:       r.Args,
		Env:        r.Env,
		Files:      r.Files,
		WorkDir:    r.WorkDir,
		Chroot:     r.Chroot,
		Seccomp:    filter.SockFprog(),
		Credential: r.Credential,
		Ptrace:     true,
		SyncFunc:   r.SyncFunc,
	}

	h := newTracerHandler(r.Redirector, r.Logger)
	tracer := ptracer.Tracer{
		Handler: h,
		Runner:  ch,
		Signals: r.Signals,
	}
	result := tracer.Trace(c)
	h.Logger.Debug("redirect summary", "total", h.Counter.Total(), "syscalls", h.Counter)
	return result
}
