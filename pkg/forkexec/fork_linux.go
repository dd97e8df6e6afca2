package forkexec

import (
	"syscall"
	"unsafe" // 需要用于 go:linkname

	"golang.org/x/sys/unix"
)

// Start 函数会执行以下操作：
// 1. fork 创建子进程
// 2. 加载 seccomp 过滤器
// 3. 执行 execve 系统调用
// 4. 如果开启了 ptrace，进程会在 execve 之前停止等待跟踪器
//
// 返回值：
// - pid: 子进程的进程ID，同时也是它的进程组 ID
// - error: 可能的错误，子进程内部的失败以 ChildError 返回
//
// 注意：如果启用了 ptrace，在调用此函数前必须锁定当前 OS 线程
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}
	chroot, err := syscallStringFromString(r.Chroot)
	if err != nil {
		return 0, err
	}

	// 创建一对 socket 用于父子进程通信
	// p[0] 由父进程使用，p[1] 由子进程使用
	// 用途：在最终 execve 之前与父进程同步，并传回子进程的错误
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, chroot, p)

	// 恢复所有信号处理
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

// syncWithChild 负责父进程与子进程的同步操作
// 1. 处理子进程返回的错误
// 2. 执行用户定义的同步函数
// 3. 处理 ptrace 相关的同步
func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		err2     syscall.Errno
		err      error
		childErr ChildError
	)

	unix.Close(p[1])

	if err1 != 0 {
		unix.Close(p[0])
		childErr.Location = LocClone
		childErr.Err = err1
		return 0, childErr
	}

	// 读取子进程的同步消息或错误
	n, err := readChildErr(p[0], &childErr)
	if (n != int(unsafe.Sizeof(err2)) && n != int(unsafe.Sizeof(childErr))) || childErr.Err != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto fail
	}

	if r.SyncFunc != nil {
		if err = r.SyncFunc(int(pid)); err != nil {
			goto fail
		}
	}
	// 向子进程发送确认信号
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err1)), uintptr(unsafe.Sizeof(err1)))

	// 子进程会在 execve 之前停止，之后的错误由跟踪器观察
	if r.Ptrace || r.StopBeforeSeccomp {
		// 在另一个 goroutine 中等待，避免 SIGPIPE；
		// execve 成功时读到 EOF，否则读到子进程写回的错误
		late := make(chan error, 1)
		r.late = late
		go func() {
			var ce ChildError
			n, _ := readChildErr(p[0], &ce)
			unix.Close(p[0])
			if n == int(unsafe.Sizeof(ce)) && ce.Err != 0 {
				late <- ce
			}
			close(late)
		}()
		return int(pid), nil
	}

	// 检查子进程在同步后是否失败，execve 成功时管道因 close-on-exec 关闭
	n, err = readChildErr(p[0], &childErr)
	unix.Close(p[0])
	if n != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto failAfterClose
	}
	return int(pid), nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(int(pid))
	if childErr.Err == 0 {
		return 0, err
	}
	return 0, childErr
}

// readChildErr 从文件描述符中读取子进程的错误信息
// 如果被 EINTR 信号中断，会重试读取操作
func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(unsafe.Sizeof(*childErr)))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

// readlen 直接调用 read 系统调用
func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// handlePipeError 读取的数据长度足够时返回实际的错误码，否则返回 EPIPE
func handlePipeError(r1 int, errno syscall.Errno) syscall.Errno {
	if uintptr(r1) >= unsafe.Sizeof(errno) {
		return syscall.Errno(errno)
	}
	return syscall.EPIPE
}

// handleChildFailed 终止并回收失败的子进程
func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	syscall.Kill(pid, syscall.SIGKILL)
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
