// Package redirect 将被跟踪进程看到的路径映射到会话的合并视图
//
// 映射是纯函数，不做任何 I/O。输出保留原路径中的 "." 和 ".."，
// 由内核按实际的目录结构（包括符号链接）解析；清理后的路径只用于判断归属
package redirect

import (
	"path"
	"strings"
)

// DefaultExcluded 是默认不做重定向的内核伪文件系统和运行时目录
var DefaultExcluded = []string{"/proc", "/dev", "/sys", "/run"}

// Redirector 描述一个会话的重定向规则
type Redirector struct {
	root     string // 被沙箱化的根，通常为 "/"
	merged   string // 合并视图的挂载点
	excluded PathSet
}

// New 创建重定向器，root 和 merged 必须是绝对路径
func New(root, merged string, excluded []string) *Redirector {
	return &Redirector{
		root:     path.Clean(root),
		merged:   path.Clean(merged),
		excluded: NewPathSet(excluded...),
	}
}

// Merged 返回合并视图路径
func (r *Redirector) Merged() string {
	return r.merged
}

// Root 返回被沙箱化的根
func (r *Redirector) Root() string {
	return r.root
}

// Redirect 计算绝对路径 p 在合并视图中的对应路径
// 第二个返回值为 false 表示路径保持不变：
//   - 相对路径
//   - 已经位于合并视图之内
//   - 位于排除的目录之内
//   - 不在被沙箱化的根之下
func (r *Redirector) Redirect(p string) (string, bool) {
	if !path.IsAbs(p) {
		return p, false
	}
	c := path.Clean(p)
	if within(c, r.merged) || r.excluded.Contains(c) || !within(c, r.root) {
		return p, false
	}
	out := r.merged + r.below(p, c)
	// 结尾的 "/" 对 open(O_CREAT)、mkdir 等有语义
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out, true
}

// below 返回 p 在根之下的部分，保留字面形式
// 根为 "/" 时越过根的 ".." 本来就没有效果，直接去掉；
// 其他根下 p 不以根的字面形式开头或者越过了根时，只能使用清理后的形式
func (r *Redirector) below(p, c string) string {
	if r.root == "/" {
		out, _ := literal(p)
		return out
	}
	if rest, ok := strings.CutPrefix(p, r.root); ok && (rest == "" || rest[0] == '/') {
		if out, clamped := literal(rest); !clamped {
			return out
		}
	}
	if rel := relative(c, r.root); rel != "" {
		return "/" + rel
	}
	return ""
}

// literal 逐个保留路径分量，去掉空分量以及按字面计算会越过开头的 ".."
// 第二个返回值表示是否去掉过这样的 ".."
func literal(rest string) (string, bool) {
	var b strings.Builder
	depth := 0
	clamped := false
	for _, e := range strings.Split(rest, "/") {
		switch e {
		case "":
			continue
		case ".":
		case "..":
			if depth == 0 {
				clamped = true
				continue
			}
			depth--
		default:
			depth++
		}
		b.WriteByte('/')
		b.WriteString(e)
	}
	return b.String(), clamped
}

// Restore 是 Redirect 的逆映射，将合并视图之内的路径还原为原路径
func (r *Redirector) Restore(p string) (string, bool) {
	if !path.IsAbs(p) {
		return p, false
	}
	c := path.Clean(p)
	if !within(c, r.merged) {
		return p, false
	}
	rel := relative(c, r.merged)
	if rel == "" {
		return r.root, true
	}
	return path.Join(r.root, rel), true
}

// Resolve 基于工作目录得到 p 的绝对路径，p 为空时返回空
// 结果不做清理，"a/../b" 中的 a 可能是符号链接
func Resolve(cwd, p string) string {
	if p == "" || path.IsAbs(p) {
		return p
	}
	if strings.HasSuffix(cwd, "/") {
		return cwd + p
	}
	return cwd + "/" + p
}

// within 判断已清理的路径 p 是否位于 dir 之内（包括 dir 本身）
func within(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// relative 返回 p 相对于 dir 的部分，不含开头的 "/"
func relative(p, dir string) string {
	if dir == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
}
