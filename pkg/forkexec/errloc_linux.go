package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 定义了子进程执行失败的具体位置
type ErrorLocation int

// ChildError 定义了子进程错误的详细信息
type ChildError struct {
	Err      syscall.Errno // 系统调用错误码
	Location ErrorLocation // 错误发生的位置
	Index    int           // 操作序号（如果适用）
}

// Location 常量按照子进程初始化的顺序排列
const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocGetPid
	LocKeepCapability
	LocSetGroups
	LocSetGid
	LocSetUid
	LocDup3
	LocFcntl
	LocSetSid
	LocChroot
	LocChdir
	LocSetNoNewPrivs
	LocDropCapability
	LocSetCap
	LocSyncWrite
	LocSyncRead
	LocPtraceMe
	LocStop
	LocSeccomp
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"keep_capability",
	"setgroups",
	"setgid",
	"setuid",
	"dup3",
	"fcntl",
	"setsid",
	"chroot",
	"chdir",
	"set_no_new_privs",
	"drop_capability",
	"set_cap",
	"sync_write",
	"sync_read",
	"ptrace_me",
	"stop",
	"seccomp",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Error 实现了 error 接口，例如 "execve: no such file or directory"
func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap 返回底层错误码，便于 errors.Is(err, syscall.ENOENT)
func (e ChildError) Unwrap() error {
	return e.Err
}
