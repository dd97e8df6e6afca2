// Package session 管理会话在磁盘上的布局以及挂载状态
//
// 每个会话对应状态根目录下的一个子目录：
//
//	<root>/<name>/upper   上层目录，保存所有写入
//	<root>/<name>/work    overlayfs 的工作目录
//	<root>/<name>/merged  合并视图的挂载点
//
// 会话是否处于活动状态从不持久化，每次都通过挂载信息重新推导
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

// DefaultName 是未指定会话名称时使用的名称
const DefaultName = "default"

// 会话目录下的固定子目录名
const (
	upperDir  = "upper"
	workDir   = "work"
	mergedDir = "merged"
)

// State 是会话的挂载状态
type State int

const (
	// Inactive 会话只存在于磁盘上，未挂载
	Inactive State = iota
	// Active 合并视图已挂载
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Layout 是一个会话的全部路径，由状态根和名称唯一确定
type Layout struct {
	Name   string
	Dir    string // 会话目录
	Lower  string // 被覆盖的根，通常为 "/"
	Upper  string
	Work   string
	Merged string
}

// NewLayout 计算会话布局，不做任何 I/O
func NewLayout(root, lower, name string) Layout {
	dir := filepath.Join(root, name)
	return Layout{
		Name:   name,
		Dir:    dir,
		Lower:  filepath.Clean(lower),
		Upper:  filepath.Join(dir, upperDir),
		Work:   filepath.Join(dir, workDir),
		Merged: filepath.Join(dir, mergedDir),
	}
}

// ValidateName 检查会话名称
// 名称作为目录名使用，并且会出现在 overlayfs 的挂载选项中，因此不能包含 "/"、","、NUL
func ValidateName(name string) error {
	switch {
	case name == "":
		return errdefs.Newf(errdefs.KindInvalidArgument, "session", "empty session name")
	case name == "." || name == "..":
		return errdefs.Newf(errdefs.KindInvalidArgument, "session", "invalid session name %q", name)
	case strings.ContainsAny(name, "/,\x00"):
		return errdefs.Newf(errdefs.KindInvalidArgument, "session", "session name %q contains '/', ',' or NUL", name)
	}
	return nil
}

// DefaultRoot 返回默认的状态根目录
// 优先使用用户缓存目录，不可用时退回到临时目录
func DefaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "forkfs")
	}
	return filepath.Join(os.TempDir(), "forkfs")
}

// Confined 表示被沙箱化的根就是宿主机的根，此时运行的程序被 chroot 到合并视图中
func (l Layout) Confined() bool {
	return l.Lower == "/"
}

// Inner 是合并视图绑定到自身内部的位置
// 重定向后的绝对路径以 Merged 开头，chroot 之后经由这里回到合并视图
func (l Layout) Inner() string {
	return filepath.Join(l.Merged, l.Merged)
}

func (l Layout) String() string {
	return fmt.Sprintf("session[%s:%s]", l.Name, l.Dir)
}
