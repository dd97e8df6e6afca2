// Package overlay 负责建立和拆除会话的合并视图
//
// 合并视图由一个 overlay 挂载（lowerdir 为被覆盖的根）以及若干
// 递归绑定挂载（/proc、/dev 等）组成，绑定挂载使用 slave 传播
package overlay

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
	"github.com/zqzqsb/forkfs/pkg/mount"
	"github.com/zqzqsb/forkfs/session"
)

// DefaultBinds 是挂载 overlay 之后绑定进合并视图的宿主机目录
// overlay 的下层不会包含子挂载，这些伪文件系统需要单独绑定。
// /tmp 不在其中，写入 /tmp 的内容留在会话里
var DefaultBinds = []string{"/proc", "/dev", "/sys", "/run"}

// 挂载操作，测试中替换
var (
	doMount   = (*mount.Mount).Mount
	doUnmount = (*mount.Mount).Unmount
)

// Controller 挂载和卸载会话的合并视图
type Controller struct {
	Registry *session.Registry
	Binds    []string
	Logger   *slog.Logger
}

// New 创建控制器，binds 为 nil 时使用 DefaultBinds
func New(reg *session.Registry, binds []string, logger *slog.Logger) *Controller {
	if binds == nil {
		binds = DefaultBinds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Registry: reg, Binds: binds, Logger: logger}
}

// mounts 返回一个会话需要的全部挂载，按挂载顺序排列
// 根为 "/" 时最后把合并视图绑定到自身内部的同名路径，
// 被 chroot 的程序经由重定向后的绝对路径仍然落在合并视图中
func (c *Controller) mounts(l session.Layout) ([]mount.Mount, error) {
	b := mount.NewBuilder().
		WithOverlay(l.Lower, l.Upper, l.Work, l.Merged).
		WithBinds(l.Merged, c.Binds)
	if l.Confined() {
		b.WithBind(l.Merged, l.Inner(), false)
	}
	ms, err := b.FilterNotExist().Build()
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidArgument, "mount", err).WithSession(l.Name)
	}
	return ms, nil
}

// Mount 挂载会话的合并视图
// 已经挂载时不做任何操作并返回 false；任何一步失败都会尽力撤销已完成的挂载
func (c *Controller) Mount(ctx context.Context, l session.Layout) (bool, error) {
	active, err := c.Registry.IsActive(l)
	if err != nil {
		return false, err
	}
	if active {
		c.Logger.Debug("session already mounted", "session", l.Name)
		return false, nil
	}

	ms, err := c.mounts(l)
	if err != nil {
		return false, err
	}
	for i := range ms {
		if err := ctx.Err(); err != nil {
			c.rollback(l, ms[:i])
			return false, errdefs.New(errdefs.KindIo, "mount", err).WithSession(l.Name)
		}
		if err := doMount(&ms[i]); err != nil {
			c.Logger.Debug("mount failed", "session", l.Name, "mount", ms[i].String(), "error", err)
			c.rollback(l, ms[:i])
			return false, errdefs.FromErrno("mount", err).WithSession(l.Name).WithPath(ms[i].Target)
		}
		c.Logger.Debug("mounted", "session", l.Name, "mount", ms[i].String())
	}
	return true, nil
}

// rollback 以相反顺序分离已完成的挂载
func (c *Controller) rollback(l session.Layout, done []mount.Mount) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := doUnmount(&done[i], unix.MNT_DETACH); err != nil {
			c.Logger.Warn("rollback unmount failed", "session", l.Name, "target", done[i].Target, "error", err)
		}
	}
}

// Unmount 卸载会话的合并视图，未挂载时不做任何操作
// 绑定挂载总是以 MNT_DETACH 分离；force 为 true 时 overlay 也以 MNT_DETACH 分离，
// 否则挂载点忙时返回 Io 错误
func (c *Controller) Unmount(ctx context.Context, l session.Layout, force bool) error {
	active, err := c.Registry.IsActive(l)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindIo, "unmount", err).WithSession(l.Name)
	}

	ms, err := c.mounts(l)
	if err != nil {
		return err
	}
	if err := c.unmount(l, ms, force); err != nil {
		return err
	}
	c.Logger.Debug("unmounted", "session", l.Name, "force", force)
	return nil
}

// unmount 以相反顺序分离绑定挂载，最后卸载 overlay
// 任何一步失败时重新挂载已经分离的绑定，会话保持完整的活动状态
func (c *Controller) unmount(l session.Layout, ms []mount.Mount, force bool) error {
	var detached []int
	for i := len(ms) - 1; i > 0; i-- {
		err := doUnmount(&ms[i], unix.MNT_DETACH)
		// 未被挂载的绑定目录
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			continue
		}
		if err != nil {
			c.remount(l, ms, detached)
			return errdefs.FromErrno("unmount", err).WithSession(l.Name).WithPath(ms[i].Target)
		}
		detached = append(detached, i)
	}

	flags := 0
	if force {
		flags = unix.MNT_DETACH
	}
	if err := doUnmount(&ms[0], flags); err != nil {
		c.remount(l, ms, detached)
		return errdefs.FromErrno("unmount", err).WithSession(l.Name).WithPath(l.Merged)
	}
	return nil
}

// remount 按原来的挂载顺序恢复 detached 中的绑定挂载
func (c *Controller) remount(l session.Layout, ms []mount.Mount, detached []int) {
	for i := len(detached) - 1; i >= 0; i-- {
		m := &ms[detached[i]]
		if err := doMount(m); err != nil {
			c.Logger.Warn("restore bind mount failed", "session", l.Name, "target", m.Target, "error", err)
		}
	}
}
