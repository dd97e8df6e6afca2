package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

// ChangeKind 是会话相对于下层的一种改动
type ChangeKind int

const (
	// Added 下层不存在的条目，新目录只报告目录本身
	Added ChangeKind = iota
	// Modified 内容或类型改变
	Modified
	// MetadataOnly 被复制到上层但内容未变（权限、属主或时间戳改变）
	MetadataOnly
	// Removed 上层的 whiteout，删除了下层的条目
	Removed
	// Opaque 不透明目录，下层同名目录的内容被整体隐藏
	Opaque
)

var changeKindString = []string{"added", "modified", "metadata", "removed", "opaque"}

func (k ChangeKind) String() string {
	if int(k) < len(changeKindString) {
		return changeKindString[k]
	}
	return "unknown"
}

// Change 是一条改动，Path 是被沙箱化的根下的绝对路径
type Change struct {
	Path string
	Kind ChangeKind
}

// overlayfs 用来标记不透明目录的扩展属性，userxattr 挂载使用 user. 前缀
var opaqueXattrs = []string{"trusted.overlay.opaque", "user.overlay.opaque"}

// Diff 列出会话相对于下层的所有改动，按目录树的遍历顺序排列
// 只读取 upper 目录，会话不需要处于挂载状态
func (m *Manager) Diff(ctx context.Context, name string) ([]Change, error) {
	l, err := m.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	hidden := ""
	if l.Confined() {
		hidden = l.Merged
	}
	changes, err := diffLayers(ctx, l.Lower, l.Upper, hidden)
	if err != nil {
		return nil, errdefs.New(errdefs.KindIo, "diff", err).WithSession(name)
	}
	return changes, nil
}

// diffLayers 遍历 upper 并与 lower 中的同名条目比较
// hidden 及其上级目录是挂载自绑定时创建的，不作为改动报告
func diffLayers(ctx context.Context, lower, upper, hidden string) ([]Change, error) {
	var changes []Change
	err := filepath.WalkDir(upper, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == upper {
			return nil
		}
		rel, err := filepath.Rel(upper, p)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		if hidden != "" && d.IsDir() && (name == hidden || strings.HasPrefix(hidden, name+"/")) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if isWhiteout(fi) {
			changes = append(changes, Change{Path: name, Kind: Removed})
			return nil
		}

		lfi, err := os.Lstat(filepath.Join(lower, rel))
		if errors.Is(err, fs.ErrNotExist) {
			changes = append(changes, Change{Path: name, Kind: Added})
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err != nil {
			return err
		}

		if d.IsDir() {
			if isOpaque(p) {
				changes = append(changes, Change{Path: name, Kind: Opaque})
				return filepath.SkipDir
			}
			if !lfi.IsDir() {
				changes = append(changes, Change{Path: name, Kind: Modified})
				return filepath.SkipDir
			}
			// 两层都有的目录只是子条目改变的容器
			return nil
		}

		kind, err := compareEntries(p, fi, filepath.Join(lower, rel), lfi)
		if err != nil {
			return err
		}
		changes = append(changes, Change{Path: name, Kind: kind})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// compareEntries 比较两层中同名的非目录条目
func compareEntries(upper string, ufi fs.FileInfo, lower string, lfi fs.FileInfo) (ChangeKind, error) {
	if ufi.Mode().Type() != lfi.Mode().Type() {
		return Modified, nil
	}
	switch {
	case ufi.Mode().IsRegular():
		if ufi.Size() != lfi.Size() {
			return Modified, nil
		}
		same, err := sameContent(upper, lower)
		if err != nil {
			return Modified, err
		}
		if same {
			return MetadataOnly, nil
		}
	case ufi.Mode()&fs.ModeSymlink != 0:
		ut, err := os.Readlink(upper)
		if err != nil {
			return Modified, err
		}
		lt, err := os.Readlink(lower)
		if err != nil {
			return Modified, err
		}
		if ut == lt {
			return MetadataOnly, nil
		}
	}
	return Modified, nil
}

// sameContent 使用 BLAKE3 摘要比较两个文件的内容
func sameContent(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// isWhiteout 判断是否为 overlayfs 的 whiteout：设备号为 0:0 的字符设备
func isWhiteout(fi fs.FileInfo) bool {
	if fi.Mode()&fs.ModeCharDevice == 0 {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && st.Rdev == 0
}

func isOpaque(p string) bool {
	buf := make([]byte, 8)
	for _, attr := range opaqueXattrs {
		n, err := unix.Lgetxattr(p, attr, buf)
		if err == nil && n > 0 && buf[0] == 'y' {
			return true
		}
	}
	return false
}
