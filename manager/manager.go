// Package manager 组合会话注册表、挂载控制器和跟踪器，
// 提供 run、list、stop、delete 和 diff 操作
package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"

	"github.com/zqzqsb/forkfs/config"
	"github.com/zqzqsb/forkfs/overlay"
	"github.com/zqzqsb/forkfs/pkg/errdefs"
	"github.com/zqzqsb/forkfs/pkg/forkexec"
	"github.com/zqzqsb/forkfs/redirect"
	"github.com/zqzqsb/forkfs/runner"
	"github.com/zqzqsb/forkfs/runner/ptrace"
	"github.com/zqzqsb/forkfs/session"
)

// Mounter 挂载和卸载会话的合并视图，由 overlay.Controller 实现
type Mounter interface {
	Mount(ctx context.Context, l session.Layout) (bool, error)
	Unmount(ctx context.Context, l session.Layout, force bool) error
}

var _ Mounter = (*overlay.Controller)(nil)

// Manager 管理会话的生命周期
type Manager struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *session.Registry
	Mounter  Mounter

	// Preflight 在 Run 挂载之前检查权限和内核支持
	Preflight func() error

	// 被跟踪程序的标准输入输出
	Stdin, Stdout, Stderr *os.File

	// Signals 中的信号转发给被跟踪的程序
	Signals <-chan os.Signal
}

// Outcome 是一次 Run 的结果
type Outcome struct {
	Session string
	// Mounted 表示本次运行新挂载了合并视图
	Mounted bool
	runner.Result
}

// New 按配置创建 Manager，cfg 为 nil 时使用默认配置
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := session.NewRegistry(cfg.StateDir, cfg.LowerDir)
	return &Manager{
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Mounter:   overlay.New(reg, cfg.Binds, logger),
		Preflight: Preflight,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// Run 在会话中运行 argv，直到它退出
// 会话目录和挂载在需要时创建，运行结束后保持挂载
func (m *Manager) Run(ctx context.Context, name string, argv []string) (Outcome, error) {
	out := Outcome{Session: name}
	if len(argv) == 0 {
		return out, errdefs.Newf(errdefs.KindInvalidArgument, "run", "no command given").WithSession(name)
	}
	if err := session.ValidateName(name); err != nil {
		return out, err
	}
	if m.Preflight != nil {
		if err := m.Preflight(); err != nil {
			return out, err
		}
	}

	l, err := m.Registry.Resolve(name)
	if err != nil {
		return out, err
	}
	if out.Mounted, err = m.Mounter.Mount(ctx, l); err != nil {
		return out, err
	}
	if out.Mounted {
		m.Logger.Info("session mounted", "session", name, "merged", l.Merged)
	}

	rd := redirect.New(l.Lower, l.Merged, m.Config.Excluded)
	cwd, err := os.Getwd()
	if err != nil {
		return out, errdefs.New(errdefs.KindIo, "run", err).WithSession(name)
	}
	// 在会话之内按调用者的 PATH 查找，结果是会话中的路径
	bin, err := lookPath(l, rd, argv[0], os.Getenv("PATH"), cwd)
	if err != nil {
		return out, errdefs.New(errdefs.KindIo, "run", err).WithSession(name)
	}
	// 子进程在跟踪开始前切换工作目录，需要预先重定向
	workDir, _ := rd.Redirect(cwd)

	cred, err := m.credential()
	if err != nil {
		return out, errdefs.New(errdefs.KindIo, "run", err).WithSession(name)
	}

	r := &ptrace.Runner{
		Args:       append([]string{bin}, argv[1:]...),
		Env:        os.Environ(),
		WorkDir:    workDir,
		Files:      []uintptr{m.Stdin.Fd(), m.Stdout.Fd(), m.Stderr.Fd()},
		Credential: cred,
		Redirector: rd,
		Signals:    m.Signals,
		Logger:     m.Logger.With("session", name),
	}
	if l.Confined() {
		r.Chroot = l.Merged
	}
	m.Logger.Debug("run", "session", name, "args", r.Args, "workdir", workDir)
	out.Result = r.Run(ctx)
	m.Logger.Debug("run finished", "session", name, "result", out.Result.String())
	if out.Status == runner.StatusRunnerError {
		return out, runError(out.Result).WithSession(name)
	}
	return out, nil
}

// runError 归类跟踪器的失败，子进程无权被跟踪时为 NotRoot
func runError(res runner.Result) *errdefs.Error {
	var ce forkexec.ChildError
	if errors.As(res.Cause, &ce) && ce.Location == forkexec.LocPtraceMe &&
		(ce.Err == syscall.EPERM || ce.Err == syscall.EACCES) {
		return errdefs.New(errdefs.KindNotRoot, "run", ce)
	}
	if res.Cause != nil {
		return errdefs.New(errdefs.KindIo, "run", res.Cause)
	}
	return errdefs.Newf(errdefs.KindIo, "run", "%s", res.Error)
}

// List 返回所有会话及其当前状态，按名称排序
func (m *Manager) List(ctx context.Context) ([]session.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Registry.Enumerate()
}

// Stop 卸载选中的会话，会话目录保留
// 单个会话失败不影响其他会话，结果逐个记录在 Report 中
func (m *Manager) Stop(ctx context.Context, sel Selector) Report {
	return m.each(ctx, sel, func(l session.Layout, force bool) error {
		return m.Mounter.Unmount(ctx, l, force)
	})
}

// Delete 卸载并删除选中的会话
func (m *Manager) Delete(ctx context.Context, sel Selector) Report {
	return m.each(ctx, sel, func(l session.Layout, force bool) error {
		if err := m.Mounter.Unmount(ctx, l, force); err != nil {
			return err
		}
		return m.Registry.Remove(l)
	})
}

// each 对选中的每个会话执行 fn
func (m *Manager) each(ctx context.Context, sel Selector, fn func(session.Layout, bool) error) Report {
	names, err := m.selected(sel)
	if err != nil {
		return Report{Items: []Item{{Err: err}}}
	}
	force := sel.All || sel.Force

	rep := Report{Items: make([]Item, 0, len(names))}
	for _, name := range names {
		item := Item{Name: name}
		if err := ctx.Err(); err != nil {
			item.Err = errdefs.New(errdefs.KindIo, "session", err).WithSession(name)
		} else if l, err := m.Registry.Lookup(name); err != nil {
			item.Err = err
		} else {
			item.Err = fn(l, force)
		}
		if item.Err != nil {
			m.Logger.Debug("session operation failed", "session", name, "error", item.Err)
		}
		rep.Items = append(rep.Items, item)
	}
	return rep
}

// selected 展开选择器为会话名称列表
func (m *Manager) selected(sel Selector) ([]string, error) {
	if !sel.All {
		if len(sel.Names) == 0 {
			return nil, errdefs.Newf(errdefs.KindInvalidArgument, "session", "no session selected")
		}
		return sel.names(), nil
	}
	infos, err := m.Registry.Enumerate()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}
