package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// bind 定义了绑定挂载的默认标志位组合：
	// - MS_BIND: 创建绑定挂载
	// - MS_REC: 递归应用到所有子挂载点
	bind = unix.MS_BIND | unix.MS_REC

	// slave 让宿主机上的挂载事件传播进来，而不会反向传播
	slave = unix.MS_SLAVE | unix.MS_REC
)

// Builder 以链式调用的方式描述一组按顺序执行的挂载
type Builder struct {
	Mounts []Mount
	err    error
}

// NewBuilder 创建一个新的挂载构建器实例
func NewBuilder() *Builder {
	return &Builder{}
}

// WithMount 将单个挂载点添加到构建器中
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithOverlay 添加 overlay 挂载
// 参数：
// - lower: 只读的下层目录
// - upper: 可写的上层目录
// - work: overlayfs 的工作目录，必须与 upper 位于同一文件系统
// - target: 合并视图的挂载点
func (b *Builder) WithOverlay(lower, upper, work, target string) *Builder {
	for _, p := range []string{upper, work} {
		if err := validateOptionPath(p); err != nil {
			b.setErr(err)
		}
	}
	if err := validateOptionPath(lower); err != nil {
		b.setErr(err)
	} else if strings.Contains(lower, ":") {
		// lowerdir 以 ":" 分隔多个目录
		b.setErr(fmt.Errorf("overlay lowerdir %q contains ':'", lower))
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: "overlay",
		Target: target,
		FsType: "overlay",
		Data:   fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work),
	})
	return b
}

// WithBind 添加一个递归绑定挂载，并将其设置为 slave 传播
// 参数：
// - source: 源路径（宿主机上的路径）
// - target: 目标路径
// - readonly: 是否以只读方式挂载
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source:      source,
		Target:      target,
		Flags:       flags,
		Propagation: slave,
	})
	return b
}

// WithBinds 将每个源目录绑定挂载到 root 下的同名位置
func (b *Builder) WithBinds(root string, sources []string) *Builder {
	for _, s := range sources {
		b.WithBind(s, filepath.Join(root, s), false)
	}
	return b
}

// FilterNotExist 从构建器中移除源路径不存在的绑定挂载
// 这在处理可选的系统目录时很有用，比如某些系统没有 /run
func (b *Builder) FilterNotExist() *Builder {
	rt := b.Mounts[:0]
	for _, m := range b.Mounts {
		if m.IsBindMount() {
			if _, err := os.Stat(m.Source); os.IsNotExist(err) {
				continue
			}
		}
		rt = append(rt, m)
	}
	b.Mounts = rt
	return b
}

// Build 返回按顺序排列的挂载，构建过程中的第一个校验错误会在此返回
func (b *Builder) Build() ([]Mount, error) {
	if b.err != nil {
		return nil, b.err
	}
	ret := make([]Mount, len(b.Mounts))
	copy(ret, b.Mounts)
	return ret, nil
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// String 返回构建器中所有挂载点的字符串表示，用于调试和日志输出
func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}

// validateOptionPath 检查路径能否安全地放进 overlay 挂载选项
func validateOptionPath(p string) error {
	if !filepath.IsAbs(p) {
		return fmt.Errorf("overlay path %q is not absolute", p)
	}
	if strings.ContainsAny(p, ",\x00\n") {
		return fmt.Errorf("overlay path %q contains ',', newline or NUL", p)
	}
	return nil
}
