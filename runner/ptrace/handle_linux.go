// Package ptrace 提供了基于 ptrace 的路径重定向运行器
package ptrace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/ptracer"
	"github.com/zqzqsb/forkfs/redirect"
)

// rewrite 记录一个被改写的路径参数，系统调用退出时据此恢复
type rewrite struct {
	arg     int     // 参数序号
	addr    uintptr // 原字符串地址
	orig    string  // 原路径
	to      string  // 重定向后的路径
	inPlace bool    // 直接覆盖原字符串，否则写入暂存缓冲区并修改参数
}

// pending 是一个等待退出的系统调用
type pending struct {
	spec     *syscallSpec
	rewrites []rewrite
}

// tracerHandler 实现了路径重定向的核心逻辑
type tracerHandler struct {
	ShowDetails bool         // 是否显示详细的调试信息
	Logger      *slog.Logger // 调试信息输出
	Redirector  *redirect.Redirector

	// Counter 记录每个系统调用被改写的路径个数
	Counter SyscallCounter

	table   map[uint]*syscallSpec
	cwd     map[int]string
	pending map[int]*pending
}

func newTracerHandler(r *redirect.Redirector, logger *slog.Logger) *tracerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracerHandler{
		ShowDetails: logger.Enabled(context.Background(), slog.LevelDebug),
		Logger:      logger,
		Redirector:  r,
		Counter:     NewSyscallCounter(),
		table:       syscallIndex(),
		cwd:         make(map[int]string),
		pending:     make(map[int]*pending),
	}
}

// Debug 以 debug 级别输出跟踪信息
// 只有在 ShowDetails 为 true 时才会输出
func (h *tracerHandler) Debug(v ...interface{}) {
	if h.ShowDetails {
		h.Logger.Debug(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
	}
}

// Handle 在系统调用入口处改写路径参数
// 1. 识别系统调用，读取每个路径参数
// 2. 相对路径只有在相对于工作目录时才需要处理
// 3. 新路径不长于原路径时原地覆盖，否则写入暂存缓冲区
func (h *tracerHandler) Handle(ctx *ptracer.Context) ptracer.TraceAction {
	spec, ok := h.table[ctx.SyscallNo()]
	if !ok {
		h.Debug("unexpected syscall:", ctx.SyscallNo())
		return ptracer.TraceAllow
	}

	var (
		rws         []rewrite
		needScratch bool
	)
	for _, a := range spec.paths {
		addr := uintptr(ctx.Arg(a.path))
		if addr == 0 {
			// 例如 utimensat(fd, NULL, ...)
			continue
		}
		orig := ctx.GetString(addr)
		if orig == "" {
			continue
		}
		to, ok := h.redirect(ctx, a, orig)
		if !ok {
			continue
		}
		if len(to) >= ptracer.ScratchSlot {
			h.Debug(spec.name, "redirected path too long:", to)
			ctx.SetReturnValue(-int(syscall.ENAMETOOLONG))
			return ptracer.TraceBan
		}
		h.Debug(spec.name+":", orig, "->", to)
		rw := rewrite{arg: a.path, addr: addr, orig: orig, to: to, inPlace: len(to) <= len(orig)}
		needScratch = needScratch || !rw.inPlace
		rws = append(rws, rw)
	}

	if len(rws) == 0 {
		if spec.exit != exitRestore {
			h.pending[ctx.Pid] = &pending{spec: spec}
			return ptracer.TraceExit
		}
		return ptracer.TraceAllow
	}
	if needScratch && ctx.Scratch(0) == 0 {
		return ptracer.TraceScratch
	}

	slot := 0
	for i := range rws {
		rw := &rws[i]
		var err error
		if rw.inPlace {
			err = ctx.WriteString(rw.addr, rw.to)
		} else {
			addr := ctx.Scratch(slot)
			slot++
			if err = ctx.WriteString(addr, rw.to); err == nil {
				ctx.SetArg(rw.arg, uint(addr))
			}
		}
		if err != nil {
			h.Debug(spec.name, "failed to write path:", err)
			undo(ctx, rws[:i])
			ctx.SetReturnValue(-int(syscall.EFAULT))
			return ptracer.TraceBan
		}
	}
	h.Counter.Add(spec.name, len(rws))
	h.pending[ctx.Pid] = &pending{spec: spec, rewrites: rws}
	return ptracer.TraceExit
}

// redirect 计算一个路径参数的新值
func (h *tracerHandler) redirect(ctx *ptracer.Context, a pathArg, p string) (string, bool) {
	abs := p
	if !path.IsAbs(p) {
		// 相对于某个目录文件描述符的路径无法得知其位置，保持不变
		if a.dirfd >= 0 && int32(ctx.Arg(a.dirfd)) != unix.AT_FDCWD {
			return p, false
		}
		cwd := h.getCwd(ctx.Pid)
		if cwd == "" {
			return p, false
		}
		abs = redirect.Resolve(cwd, p)
	}
	return h.Redirector.Redirect(abs)
}

// HandleExit 在系统调用退出时恢复参数，并处理 getcwd 与 chdir
func (h *tracerHandler) HandleExit(ctx *ptracer.Context) error {
	pd, ok := h.pending[ctx.Pid]
	if !ok {
		return nil
	}
	delete(h.pending, ctx.Pid)

	ret := ctx.ReturnValue()
	switch pd.spec.exit {
	case exitGetcwd:
		if ret > 0 {
			buf := uintptr(ctx.Arg(0))
			if s, n, ok := restoreCwd(h.Redirector, ctx.GetString(buf)); ok {
				h.Debug("getcwd:", s)
				if err := ctx.WriteString(buf, s); err != nil {
					return err
				}
				ctx.SetReturnValue(n)
			}
		}
	case exitChdir:
		if ret == 0 {
			// 同一进程的线程共享工作目录
			clear(h.cwd)
		}
	}
	undo(ctx, pd.rewrites)
	return nil
}

// Release 丢弃线程的缓存与未完成的系统调用
func (h *tracerHandler) Release(pid int) {
	delete(h.pending, pid)
	delete(h.cwd, pid)
}

// undo 按相反顺序恢复改写
func undo(ctx *ptracer.Context, rws []rewrite) {
	for i := len(rws) - 1; i >= 0; i-- {
		rw := rws[i]
		if rw.inPlace {
			ctx.WriteString(rw.addr, rw.orig)
		} else {
			ctx.SetArg(rw.arg, uint(rw.addr))
		}
	}
}

// restoreCwd 将 getcwd 返回的合并视图路径还原，返回新路径及 getcwd 的返回值（含 NUL）
func restoreCwd(r *redirect.Redirector, cwd string) (string, int, bool) {
	s, ok := r.Restore(cwd)
	if !ok {
		return cwd, len(cwd) + 1, false
	}
	return s, len(s) + 1, true
}

func (h *tracerHandler) getCwd(pid int) string {
	if c, ok := h.cwd[pid]; ok {
		return c
	}
	c := getProcCwd(pid)
	if c != "" {
		h.cwd[pid] = c
	}
	return c
}

// getProcCwd 获取进程的当前工作目录
// pid: 进程ID，如果为0则表示当前进程
// 返回: 工作目录的路径，如果出错则返回空字符串
func getProcCwd(pid int) string {
	fileName := "/proc/self/cwd"
	if pid > 0 {
		fileName = fmt.Sprintf("/proc/%d/cwd", pid)
	}
	s, err := os.Readlink(fileName)
	if err != nil {
		return ""
	}
	return s
}
