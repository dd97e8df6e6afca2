package ptracer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/zqzqsb/forkfs/pkg/forkexec"
	"github.com/zqzqsb/forkfs/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/forkfs/runner"
)

// swapHandler 将 openat 的路径参数 from 换成 to，并在退出时恢复
type swapHandler struct {
	t        *testing.T
	from, to string
	openat   uint
	seen     int
	swapped  int
	pending  map[int]uint
	released int
}

func (h *swapHandler) Handle(ctx *Context) TraceAction {
	h.seen++
	if h.from == "" || ctx.SyscallNo() != h.openat {
		return TraceAllow
	}
	if ctx.GetString(uintptr(ctx.Arg(1))) != h.from {
		return TraceAllow
	}
	addr := ctx.Scratch(0)
	if addr == 0 {
		return TraceScratch
	}
	if err := ctx.WriteString(addr, h.to); err != nil {
		h.t.Errorf("WriteString: %v", err)
		return TraceKill
	}
	h.pending[ctx.Pid] = ctx.Arg(1)
	ctx.SetArg(1, uint(addr))
	return TraceExit
}

func (h *swapHandler) HandleExit(ctx *Context) error {
	orig, ok := h.pending[ctx.Pid]
	if !ok {
		return nil
	}
	delete(h.pending, ctx.Pid)
	ctx.SetArg(1, orig)
	h.swapped++
	return nil
}

func (h *swapHandler) Release(pid int) {
	delete(h.pending, pid)
	h.released++
}

func (h *swapHandler) Debug(v ...interface{}) {
	if testing.Verbose() {
		h.t.Log(v...)
	}
}

func traceCommand(t *testing.T, h *swapHandler, args ...string) runner.Result {
	t.Helper()
	return traceWith(t, context.Background(), nil, h, args...)
}

// traceWith 跟踪 args 直到退出，sig 中的信号转发给被跟踪的进程组
func traceWith(t *testing.T, ctx context.Context, sig <-chan os.Signal, h *swapHandler, args ...string) runner.Result {
	t.Helper()
	p, err := exec.LookPath(args[0])
	if err != nil {
		t.Skipf("%s not found", args[0])
	}
	args[0] = p

	no, err := libseccomp.ToSyscallNo("openat")
	if err != nil {
		t.Skipf("openat: %v", err)
	}
	h.openat = no

	b := libseccomp.Builder{
		Trace:   []string{"openat", "execve"},
		Default: libseccomp.ActionAllow,
	}
	filter, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()

	tracer := &Tracer{
		Handler: h,
		Signals: sig,
		Runner: &forkexec.Runner{
			Args:    args,
			Env:     []string{"PATH=/usr/bin:/bin"},
			Files:   []uintptr{null.Fd(), null.Fd(), null.Fd()},
			WorkDir: "/",
			Seccomp: filter.SockFprog(),
			Ptrace:  true,
		},
	}
	result := tracer.Trace(ctx)
	if result.Status == runner.StatusRunnerError {
		if strings.Contains(result.Error, syscall.EPERM.Error()) {
			t.Skipf("ptrace unavailable: %s", result.Error)
		}
	}
	return result
}

func TestTraceExitStatus(t *testing.T) {
	h := &swapHandler{t: t, pending: make(map[int]uint)}
	result := traceCommand(t, h, "sh", "-c", "exit 3")
	if result.Status != runner.StatusNonzeroExitStatus || result.ExitStatus != 3 {
		t.Fatalf("Trace() = %v, want exit status 3", result)
	}
	if h.seen == 0 {
		t.Error("Handle was never called")
	}
}

func TestTraceSwapPath(t *testing.T) {
	h := &swapHandler{
		t:       t,
		from:    "/forkfs-test-missing",
		to:      os.DevNull,
		pending: make(map[int]uint),
	}
	result := traceCommand(t, h, "cat", "/forkfs-test-missing")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Trace() = %v, want normal exit", result)
	}
	if h.swapped == 0 {
		t.Error("openat was not redirected")
	}
	if len(h.pending) != 0 {
		t.Errorf("pending = %v, want empty", h.pending)
	}
}

func TestTraceMissingBinary(t *testing.T) {
	h := &swapHandler{t: t, pending: make(map[int]uint)}
	tracer := &Tracer{
		Handler: h,
		Runner: &forkexec.Runner{
			Args:    []string{"/forkfs-test-missing"},
			WorkDir: "/",
			Ptrace:  true,
		},
	}
	result := tracer.Trace(context.Background())
	if result.Status != runner.StatusRunnerError {
		t.Fatalf("Trace() = %v, want runner error", result)
	}
	var ce forkexec.ChildError
	if !errors.As(result.Cause, &ce) {
		t.Fatalf("Trace() cause = %v, want ChildError", result.Cause)
	}
	if ce.Location == forkexec.LocPtraceMe {
		t.Skipf("ptrace unavailable: %v", ce)
	}
	if ce.Location != forkexec.LocExecve || ce.Err != syscall.ENOENT {
		t.Errorf("Trace() cause = %v, want execve: ENOENT", ce)
	}
}

func TestTraceForwardsSignal(t *testing.T) {
	h := &swapHandler{t: t, pending: make(map[int]uint)}
	sig := make(chan os.Signal, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		sig <- syscall.SIGTERM
	}()
	result := traceWith(t, context.Background(), sig, h, "sleep", "10")
	if result.Status != runner.StatusSignalled || result.ExitStatus != int(syscall.SIGTERM) {
		t.Fatalf("Trace() = %v, want killed by SIGTERM", result)
	}
	if result.ExitCode() != 128+int(syscall.SIGTERM) {
		t.Errorf("ExitCode() = %d, want %d", result.ExitCode(), 128+int(syscall.SIGTERM))
	}
	if result.RunningTime >= 10*time.Second {
		t.Errorf("RunningTime = %v, signal was not forwarded", result.RunningTime)
	}
}

func TestTraceCancel(t *testing.T) {
	h := &swapHandler{t: t, pending: make(map[int]uint)}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result := traceWith(t, ctx, nil, h, "sleep", "10")
	if result.Status != runner.StatusSignalled || result.ExitStatus != int(syscall.SIGKILL) {
		t.Fatalf("Trace() = %v, want killed by SIGKILL", result)
	}
}

// 后代进程同样被跟踪，根进程退出后不会留下任何被跟踪的进程
func TestTraceForkedChild(t *testing.T) {
	h := &swapHandler{
		t:       t,
		from:    "/forkfs-test-missing",
		to:      os.DevNull,
		pending: make(map[int]uint),
	}
	result := traceCommand(t, h, "sh", "-c", "cat /forkfs-test-missing & wait $!")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Trace() = %v, want normal exit", result)
	}
	if h.swapped == 0 {
		t.Error("openat in the forked child was not redirected")
	}
	if h.released < 2 {
		t.Errorf("released = %d, want the child and the root", h.released)
	}
}
