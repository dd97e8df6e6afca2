package ptracer

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/runner"
)

/*
	Trace 启动并跟踪目标进程及其所有后代

Trace 在当前 goroutine 中启动进程并进入 ptrace 主循环，直到根进程退出。
根进程退出后，其余仍在运行的被跟踪进程会被终止并回收。

注意事项：
 1. 该函数会锁定调用它的 goroutine 到特定的操作系统线程
 2. 在整个跟踪过程中必须保持线程锁定
 3. Runner.Start() 需要启用 ptrace 并在加载 seccomp 之前停止
*/
func (t *Tracer) Trace(c context.Context) (result runner.Result) {
	// ptrace 是基于线程的（内核进程）
	// Goroutine 1 -----> OS Thread 1  -----> Child Process
	//                   (locked)            (being traced)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pgid, err := t.Runner.Start()
	t.Handler.Debug("tracer started:", pgid, err)
	if err != nil {
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		result.Cause = err
		return
	}
	return t.trace(c, pgid)
}

func (t *Tracer) trace(c context.Context, pgid int) (result runner.Result) {
	cc, cancel := context.WithCancel(c)
	defer cancel()

	// 转发收到的信号；上下文取消时终止整个进程组
	go func() {
		for {
			select {
			case <-cc.Done():
				killAll(pgid)
				return
			case sig := <-t.Signals:
				if s, ok := sig.(syscall.Signal); ok {
					t.Handler.Debug("forward signal:", s)
					unix.Kill(-pgid, s)
				}
			}
		}
	}()

	sTime := time.Now()
	ph := newPtraceHandle(t, pgid)

	defer func() {
		if err := recover(); err != nil {
			t.Handler.Debug("panic occurred:", err)
			result.Status = runner.StatusRunnerError
			result.Error = fmt.Sprintf("%v", err)
		}
		ph.killAll()
		ph.collectZombie()
		result.RunningTime = time.Since(sTime)
	}()

	// ptrace 主循环：等待和处理进程事件
	for {
		var (
			wstatus unix.WaitStatus
			pid     int
			err     error
		)

		// 调用 setsid 的后代不在原进程组中，因此等待任意子进程；
		// 跟踪期间本线程不应有其他子进程
		pid, err = unix.Wait4(-1, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Handler.Debug("wait4 failed:", err)
			result.Status = runner.StatusRunnerError
			result.Error = err.Error()
			return
		}

		status, exitStatus, errStr, finished := ph.handle(pid, wstatus)
		if finished || status != runner.StatusNormal {
			result.Status = status
			result.ExitStatus = exitStatus
			result.Error = errStr
			result.Cause = ph.cause
			return
		}
	}
}

/*
	进程状态处理函数

参数：
  - pid: 进程 ID
  - wstatus: 进程状态

返回值：
  - status: 当前状态
  - exitStatus: 退出状态
  - errStr: 错误信息
  - finished: 根进程是否已结束
*/
func (ph *ptraceHandle) handle(pid int, wstatus unix.WaitStatus) (status runner.Status, exitStatus int, errStr string, finished bool) {
	status = runner.StatusNormal

	switch {
	case wstatus.Exited():
		ph.release(pid)
		ph.Handler.Debug("process exited:", pid, "status:", wstatus.ExitStatus())
		if pid != ph.pgid {
			return
		}
		finished = true
		exitStatus = wstatus.ExitStatus()
		if !ph.execved {
			// 子进程在 execve 失败后以 errno 作为退出码
			status = runner.StatusRunnerError
			errStr = fmt.Sprintf("child exited before execve: %v", syscall.Errno(exitStatus))
			if fr, ok := ph.Runner.(FailureReporter); ok {
				if err := fr.Failure(); err != nil {
					ph.cause = err
					errStr = "child exited before execve: " + err.Error()
				}
			}
			return
		}
		if exitStatus != 0 {
			status = runner.StatusNonzeroExitStatus
		}

	case wstatus.Signaled():
		sig := wstatus.Signal()
		ph.release(pid)
		ph.Handler.Debug("process terminated by signal:", pid, "signal:", sig)
		if pid == ph.pgid {
			finished = true
			status = runner.StatusSignalled
			exitStatus = int(sig)
			errStr = fmt.Sprintf("process killed by signal %d", sig)
		}

	case wstatus.Stopped():
		if err := ph.handleStop(pid, wstatus); err != nil {
			if st, ok := err.(runner.Status); ok {
				status = st
				errStr = st.Error()
				return
			}
			ph.Handler.Debug("failed to handle stop:", pid, err)
			status = runner.StatusRunnerError
			errStr = err.Error()
		}
	}
	return
}

// handleStop 处理一次 ptrace 停止并恢复运行
func (ph *ptraceHandle) handleStop(pid int, wstatus unix.WaitStatus) error {
	sig := wstatus.StopSignal()
	st, known := ph.threads[pid]
	if !known {
		// 新进程的第一次停止：根进程在加载 seccomp 前自行停止，
		// 自动附加的子进程以 SIGSTOP 开始，两者都不应传递给进程
		st = &threadState{}
		ph.threads[pid] = st
		ph.Handler.Debug("start tracing process:", pid)
		if pid == ph.pgid {
			if err := setPtraceOption(pid); err != nil {
				return err
			}
		}
		if sig == unix.SIGSTOP {
			return ph.resume(pid, st, 0)
		}
	}

	var err error
	switch {
	case sig == unix.SIGTRAP|0x80:
		// PTRACE_O_TRACESYSGOOD 标记的系统调用停止，只会是系统调用退出
		err = ph.handleSyscallExit(pid, st)
		sig = 0

	case sig == unix.SIGTRAP:
		switch event := wstatus.TrapCause(); event {
		case unix.PTRACE_EVENT_SECCOMP:
			err = ph.handleTrap(pid, st)
			sig = 0

		case unix.PTRACE_EVENT_EXEC:
			ph.handleExec(pid, st)
			sig = 0

		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			child, _ := unix.PtraceGetEventMsg(pid)
			ph.Handler.Debug("process clone/fork event:", pid, "->", child)
			sig = 0

		case 0:
			// 真正的 SIGTRAP 信号，照常传递

		default:
			ph.Handler.Debug("process trap:", pid, "event:", event)
			sig = 0
		}

	case isStopSignal(sig) && isGroupStop(pid):
		// 没有控制终端，不支持作业控制，组停止直接恢复
		sig = 0
	}

	if err == unix.ESRCH {
		// 进程在停止期间被终止，退出事件随后由 wait4 报告
		return nil
	}
	if err != nil {
		return err
	}
	return ph.resume(pid, st, sig)
}

/*
	handleTrap 处理 seccomp 系统调用陷阱（系统调用入口）

处理动作：
 1. TraceAllow: 写回修改过的寄存器并放行
 2. TraceExit: 放行并在系统调用退出时调用 HandleExit
 3. TraceScratch: 注入 mmap 分配暂存缓冲区，之后原系统调用重新执行
 4. TraceBan: 跳过系统调用
 5. TraceKill: 终止整个运行
*/
func (ph *ptraceHandle) handleTrap(pid int, st *threadState) error {
	ctx, err := getTrapContext(pid)
	if err != nil {
		return err
	}
	ctx.scratch = st.scratch
	orig := ctx.regs

	switch act := ph.Handler.Handle(ctx); act {
	case TraceBan:
		// 将系统调用号设置为 -1 并将返回值写入寄存器以跳过系统调用
		// https://www.kernel.org/doc/Documentation/prctl/seccomp_filter.txt
		return ctx.skipSyscall()

	case TraceKill:
		return runner.StatusDisallowedSyscall

	case TraceExit:
		st.inSyscall = true
		return ctx.syncRegs()

	case TraceScratch:
		if st.scratch != 0 {
			return fmt.Errorf("scratch buffer already mapped for %d", pid)
		}
		ctx.regs = orig
		saved := ctx.injectMmap(ScratchSize)
		st.inject = &saved
		ph.Handler.Debug("inject mmap for scratch buffer:", pid)
		return ctx.syncRegs()

	default:
		return ctx.syncRegs()
	}
}

// handleSyscallExit 处理系统调用退出停止：完成 mmap 注入，或调用 HandleExit
func (ph *ptraceHandle) handleSyscallExit(pid int, st *threadState) error {
	ctx, err := getTrapContext(pid)
	if err != nil {
		return err
	}

	if st.inject != nil {
		saved := *st.inject
		st.inject = nil
		ret := ctx.ReturnValue()
		if ret < 0 && ret > -4096 {
			// 分配失败时原系统调用以同样的错误返回
			ph.Handler.Debug("mmap scratch buffer failed:", pid, syscall.Errno(-ret))
			ctx.abandon(saved, ret)
			return ctx.syncRegs()
		}
		st.scratch = uintptr(ret)
		ph.Handler.Debug("scratch buffer mapped:", pid, fmt.Sprintf("%#x", st.scratch))
		ctx.rewind(saved)
		return ctx.syncRegs()
	}

	if !st.inSyscall {
		return nil
	}
	st.inSyscall = false
	ctx.scratch = st.scratch
	if err := ph.Handler.HandleExit(ctx); err != nil {
		return err
	}
	return ctx.syncRegs()
}

// handleExec 处理 execve 成功：旧的地址空间（包括暂存缓冲区）已经不存在
func (ph *ptraceHandle) handleExec(pid int, st *threadState) {
	ph.Handler.Debug("process exec event:", pid)
	if pid == ph.pgid {
		ph.execved = true
	}
	// 非主线程执行 execve 后会接管线程组 ID，旧的 tid 随之消失
	if old, err := unix.PtraceGetEventMsg(pid); err == nil && int(old) != pid {
		ph.release(int(old))
	}
	*st = threadState{}
	ph.Handler.Release(pid)
}

// resume 恢复进程运行：需要观察系统调用退出时使用 PTRACE_SYSCALL
func (ph *ptraceHandle) resume(pid int, st *threadState, sig syscall.Signal) error {
	var err error
	if st.inSyscall || st.inject != nil {
		err = unix.PtraceSyscall(pid, int(sig))
	} else {
		err = unix.PtraceCont(pid, int(sig))
	}
	if err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to continue process %d: %w", pid, err)
	}
	return nil
}

// release 丢弃已退出线程的状态
func (ph *ptraceHandle) release(pid int) {
	delete(ph.threads, pid)
	ph.Handler.Release(pid)
}

// setPtraceOption 设置 ptrace 选项，包括 seccomp、退出时终止和所有多进程操作
// 自动附加的子进程继承这些选项
func setPtraceOption(pid int) error {
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL|
		unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEVFORK|
		unix.PTRACE_O_TRACEEXEC|unix.PTRACE_O_TRACESECCOMP|unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return fmt.Errorf("failed to set ptrace options: %w", err)
	}
	return nil
}

func isStopSignal(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	}
	return false
}

// isGroupStop 区分组停止和信号传递停止：组停止时 PTRACE_GETSIGINFO 返回 EINVAL
func isGroupStop(pid int) bool {
	var info unix.Siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0,
		uintptr(unsafe.Pointer(&info)), 0, 0)
	return errno == unix.EINVAL
}

// killAll 根据进程组ID终止所有被跟踪的进程
func killAll(pgid int) {
	unix.Kill(-pgid, unix.SIGKILL)
}

// killAll 终止进程组以及离开了进程组的被跟踪进程
func (ph *ptraceHandle) killAll() {
	killAll(ph.pgid)
	for pid := range ph.threads {
		unix.Kill(pid, unix.SIGKILL)
	}
}

// collectZombie 回收所有剩余的被跟踪进程，直到没有子进程
func (ph *ptraceHandle) collectZombie() {
	var wstatus unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if wstatus.Stopped() {
			// 收到 SIGKILL 之前新产生的进程
			unix.Kill(pid, unix.SIGKILL)
			unix.PtraceCont(pid, 0)
			continue
		}
		ph.release(pid)
	}
}

// threadState 记录每个被跟踪线程在两次停止之间需要保留的状态
type threadState struct {
	// scratch 是注入 mmap 得到的暂存缓冲区，execve 后失效
	scratch uintptr
	// inject 非空表示正在等待注入的 mmap 退出，保存被替换的寄存器
	inject *syscall.PtraceRegs
	// inSyscall 表示等待系统调用退出后调用 HandleExit
	inSyscall bool
}

/*
字段说明：
  *Tracer: 嵌入的跟踪器对象，继承其所有方法
  pgid: 根进程的 pid，也是进程组 ID
  threads: 所有被跟踪的线程
  execved: 根进程是否已执行过 exec
  cause: 根进程在 exec 之前退出的原因
*/

type ptraceHandle struct {
	*Tracer
	pgid    int
	threads map[int]*threadState
	execved bool
	cause   error
}

func newPtraceHandle(t *Tracer, pgid int) *ptraceHandle {
	return &ptraceHandle{Tracer: t, pgid: pgid, threads: make(map[int]*threadState)}
}
