package session

import (
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

// Info 是枚举得到的单个会话
type Info struct {
	Name  string
	State State
	Layout
}

// Registry 将会话名称映射到磁盘布局
// Registry 不缓存任何挂载状态
type Registry struct {
	Root  string // 状态根目录
	Lower string // 被覆盖的根
}

// NewRegistry 创建注册表，lower 为空时使用 "/"
func NewRegistry(root, lower string) *Registry {
	if lower == "" {
		lower = "/"
	}
	return &Registry{Root: root, Lower: lower}
}

// Layout 计算会话布局，不检查名称也不做 I/O
func (r *Registry) Layout(name string) Layout {
	return NewLayout(r.Root, r.Lower, name)
}

// Resolve 返回会话布局，并在目录缺失时创建；重复调用结果相同
func (r *Registry) Resolve(name string) (Layout, error) {
	if err := ValidateName(name); err != nil {
		return Layout{}, err
	}
	if err := os.MkdirAll(r.Root, 0o700); err != nil {
		return Layout{}, errdefs.New(errdefs.KindSetupRequired, "create state root", err).WithPath(r.Root)
	}
	l := r.Layout(name)
	for _, d := range []string{l.Upper, l.Work, l.Merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Layout{}, errdefs.FromErrno("create session", err).WithSession(name).WithPath(d)
		}
	}
	return l, nil
}

// Lookup 返回已存在会话的布局，不存在时返回 SessionNotFound
func (r *Registry) Lookup(name string) (Layout, error) {
	if err := ValidateName(name); err != nil {
		return Layout{}, err
	}
	l := r.Layout(name)
	fi, err := os.Stat(l.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Layout{}, errdefs.New(errdefs.KindSessionNotFound, "lookup", nil).WithSession(name)
	case err != nil:
		return Layout{}, errdefs.New(errdefs.KindIo, "lookup", err).WithSession(name)
	case !fi.IsDir():
		return Layout{}, errdefs.Newf(errdefs.KindSessionNotFound, "lookup", "%s is not a directory", l.Dir).WithSession(name)
	}
	return l, nil
}

// State 通过挂载信息推导会话状态
func (r *Registry) State(l Layout) (State, error) {
	mounted, err := IsMountPoint(l.Merged, l.Dir)
	if err != nil {
		return Inactive, errdefs.New(errdefs.KindIo, "stat session", err).WithSession(l.Name)
	}
	if mounted {
		return Active, nil
	}
	return Inactive, nil
}

// IsActive 是 State 的简写
func (r *Registry) IsActive(l Layout) (bool, error) {
	s, err := r.State(l)
	return s == Active, err
}

// Enumerate 扫描状态根目录并按名称排序返回所有会话
// 状态根不存在时返回空列表
func (r *Registry) Enumerate() ([]Info, error) {
	entries, err := os.ReadDir(r.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.New(errdefs.KindIo, "scan sessions", err).WithPath(r.Root)
	}

	ret := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		l := r.Layout(e.Name())
		s, err := r.State(l)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Info{Name: e.Name(), State: s, Layout: l})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

// Remove 删除会话目录（upper、work、merged）
// 会话仍处于挂载状态时返回 Io 错误
func (r *Registry) Remove(l Layout) error {
	active, err := r.IsActive(l)
	if err != nil {
		return err
	}
	if active {
		return errdefs.Newf(errdefs.KindIo, "remove", "%s is still mounted", l.Merged).WithSession(l.Name)
	}
	if err := os.RemoveAll(l.Dir); err != nil {
		return errdefs.New(errdefs.KindIo, "remove", err).WithSession(l.Name)
	}
	return nil
}
