package ptracer

import (
	"bytes"
	"os"
	"syscall"
)

// 每个线程的暂存缓冲区划分为若干个槽，每个槽可以放下一条路径
const (
	ScratchSlot  = syscall.PathMax
	ScratchSlots = 2
	ScratchSize  = ScratchSlot * ScratchSlots
)

// Context 是当前系统调用陷阱的上下文
// 用于读取和修改系统调用号、参数以及被跟踪进程的内存
type Context struct {
	// Pid 是当前上下文线程的 tid
	Pid int
	// 当前寄存器上下文（平台相关）
	regs syscall.PtraceRegs
	// dirty 表示寄存器被修改过，需要写回
	dirty bool
	// scratch 是该线程的暂存缓冲区地址，0 表示尚未分配
	scratch uintptr
}

var (
	// UseVMReadv 决定是否使用 ProcessVMReadv 系统调用来读取字符串
	// 初始为 true，如果尝试失败并返回 ENOSYS 则变为 false
	UseVMReadv = true
	// UseVMWritev 同上，用于写入
	UseVMWritev = true
	pageSize    = 4 << 10
)

func init() {
	pageSize = os.Getpagesize()
}

func getTrapContext(pid int) (*Context, error) {
	var regs syscall.PtraceRegs
	err := ptraceGetRegSet(pid, &regs)
	if err != nil {
		return nil, err
	}
	return &Context{
		Pid:  pid,
		regs: regs,
	}, nil
}

// Scratch 返回暂存缓冲区中第 slot 个槽的地址，缓冲区尚未分配时返回 0
func (c *Context) Scratch(slot int) uintptr {
	if c.scratch == 0 || slot < 0 || slot >= ScratchSlots {
		return 0
	}
	return c.scratch + uintptr(slot*ScratchSlot)
}

// GetString 从被跟踪进程内存中读取以 NUL 结尾的字符串
// 首先尝试 ProcessVMReadv，系统不支持时回退到 ptrace 读取；读取失败返回空字符串
func (c *Context) GetString(addr uintptr) string {
	buff := make([]byte, syscall.PathMax)

	if UseVMReadv {
		if err := vmReadStr(c.Pid, addr, buff); err != nil {
			if no, ok := err.(syscall.Errno); ok && no == syscall.ENOSYS {
				UseVMReadv = false
			}
		} else {
			return cString(buff)
		}
	}

	if err := ptraceReadStr(c.Pid, addr, buff); err != nil {
		return ""
	}
	return cString(buff)
}

// WriteBytes 将 b 写入被跟踪进程内存的 addr 处
// process_vm_writev 无法写入只读页（例如 .rodata 中的字符串常量），
// 此时回退到 PTRACE_POKEDATA
func (c *Context) WriteBytes(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if UseVMWritev {
		n, err := vmWrite(c.Pid, addr, b)
		if err == nil && n == len(b) {
			return nil
		}
		if no, ok := err.(syscall.Errno); ok && no == syscall.ENOSYS {
			UseVMWritev = false
		}
	}
	_, err := syscall.PtracePokeData(c.Pid, addr, b)
	return err
}

// WriteString 将 s 以 NUL 结尾写入 addr 处
func (c *Context) WriteString(addr uintptr, s string) error {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return c.WriteBytes(addr, b)
}

// cString 截断到第一个 NUL
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// syncRegs 将修改过的寄存器写回被跟踪线程
func (c *Context) syncRegs() error {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	return syscall.PtraceSetRegs(c.Pid, &c.regs)
}
