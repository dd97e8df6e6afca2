package forkexec

import _ "unsafe" // go:linkname

// beforeFork 在 fork 之前屏蔽信号，并阻止运行时在子进程中调度
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork 在父进程中恢复信号
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild 在子进程中重置信号处理，此后只有当前线程存在
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
