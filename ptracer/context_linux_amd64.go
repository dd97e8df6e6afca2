package ptracer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

/*
	; x86_64 系统调用参数顺序
	syscall_number -> rax    ; 系统调用号（入口时保存在 orig_rax）
	arg0 -> rdi
	arg1 -> rsi
	arg2 -> rdx
	arg3 -> r10             ; 注意：不是 rcx
	arg4 -> r8
	arg5 -> r9
*/

// SyscallNo 获取当前系统调用号
// rax 会被返回值覆盖，因此使用 Orig_rax
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Orig_rax)
}

// Arg 获取当前系统调用的第 i 个参数（0 <= i < 6）
func (c *Context) Arg(i int) uint {
	switch i {
	case 0:
		return uint(c.regs.Rdi)
	case 1:
		return uint(c.regs.Rsi)
	case 2:
		return uint(c.regs.Rdx)
	case 3:
		return uint(c.regs.R10)
	case 4:
		return uint(c.regs.R8)
	case 5:
		return uint(c.regs.R9)
	}
	return 0
}

// SetArg 修改第 i 个参数，寄存器在处理结束后由跟踪器写回
func (c *Context) SetArg(i int, v uint) {
	switch i {
	case 0:
		c.regs.Rdi = uint64(v)
	case 1:
		c.regs.Rsi = uint64(v)
	case 2:
		c.regs.Rdx = uint64(v)
	case 3:
		c.regs.R10 = uint64(v)
	case 4:
		c.regs.R8 = uint64(v)
	case 5:
		c.regs.R9 = uint64(v)
	default:
		return
	}
	c.dirty = true
}

// Arg0 获取当前系统调用的 arg0
func (c *Context) Arg0() uint {
	return c.Arg(0)
}

// Arg1 获取当前系统调用的 arg1
func (c *Context) Arg1() uint {
	return c.Arg(1)
}

// ReturnValue 获取系统调用的返回值，仅在系统调用退出时有意义
func (c *Context) ReturnValue() int {
	return int(int64(c.regs.Rax))
}

// SetReturnValue 设置返回值（跳过系统调用或在退出时改写结果）
func (c *Context) SetReturnValue(retval int) {
	c.regs.Rax = uint64(retval)
	c.dirty = true
}

// skipSyscall 跳过当前系统调用
// 系统调用号设置为 -1 时内核不执行该调用，直接返回 rax 中的值
func (c *Context) skipSyscall() error {
	c.regs.Orig_rax = ^uint64(0)
	c.dirty = true
	return c.syncRegs()
}

// injectMmap 将当前系统调用替换为 mmap(NULL, size, RW, PRIVATE|ANON, -1, 0)
// 返回被替换前的寄存器，供 rewind 使用
func (c *Context) injectMmap(size int) syscall.PtraceRegs {
	saved := c.regs
	c.regs.Orig_rax = unix.SYS_MMAP
	c.regs.Rdi = 0
	c.regs.Rsi = uint64(size)
	c.regs.Rdx = unix.PROT_READ | unix.PROT_WRITE
	c.regs.R10 = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	c.regs.R8 = ^uint64(0)
	c.regs.R9 = 0
	c.dirty = true
	return saved
}

// rewind 在注入的系统调用退出时恢复寄存器，并让原系统调用重新执行：
// syscall 指令长度为 2 字节，rip 回退后 rax 需要重新放入系统调用号
func (c *Context) rewind(saved syscall.PtraceRegs) {
	saved.Rip -= 2
	saved.Rax = saved.Orig_rax
	c.regs = saved
	c.dirty = true
}

// abandon 在注入的系统调用失败时恢复寄存器，原系统调用不再执行，
// 以 ret 作为它的返回值
func (c *Context) abandon(saved syscall.PtraceRegs, ret int) {
	saved.Rax = uint64(ret)
	c.regs = saved
	c.dirty = true
}

// ptraceGetRegSet 获取寄存器集（PTRACE_GETREGS）
// 进程必须处于被跟踪的停止状态
func ptraceGetRegSet(pid int, regs *syscall.PtraceRegs) error {
	return syscall.PtraceGetRegs(pid, regs)
}
