// Package seccomp 提供了 seccomp 过滤器的表示形式。
// 被跟踪进程在 execve 之前加载过滤器，需要改写路径的系统调用
// 以 SECCOMP_RET_TRACE 交给跟踪器，其余直接放行。
package seccomp

import "syscall"

// Filter 是 BPF 格式的 seccomp 过滤器，每个 SockFilter 是一条指令
type Filter []syscall.SockFilter

// SockFprog 将 Filter 转换为 seccomp(SECCOMP_SET_MODE_FILTER) 需要的格式
// 空过滤器返回 nil
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	if len(b) == 0 {
		return nil
	}
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
