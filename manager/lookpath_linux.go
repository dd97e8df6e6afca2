package manager

import (
	"errors"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/redirect"
	"github.com/zqzqsb/forkfs/session"
)

// lookPath 在会话的合并视图中按 pathEnv 查找 file，返回会话中的绝对路径
// 含 "/" 的 file 不搜索 PATH；相对路径基于 cwd
func lookPath(l session.Layout, rd *redirect.Redirector, file, pathEnv, cwd string) (string, error) {
	if strings.Contains(file, "/") {
		p := redirect.Resolve(cwd, file)
		if err := findExecutable(l, rd, p); err != nil {
			return "", &exec.Error{Name: file, Err: err}
		}
		return p, nil
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		p := redirect.Resolve(cwd, filepath.Join(dir, file))
		if findExecutable(l, rd, p) == nil {
			return p, nil
		}
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

// findExecutable 检查 p 在会话中是可执行的普通文件
func findExecutable(l session.Layout, rd *redirect.Redirector, p string) error {
	var st unix.Stat_t
	if err := statInSession(l, rd, p, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fs.ErrPermission
	}
	if st.Mode&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}

// statInSession 获取会话中路径 p 的状态，跟随符号链接
// 根为 "/" 时以合并视图为根解析，与 chroot 之后的程序看到的一致
func statInSession(l session.Layout, rd *redirect.Redirector, p string, st *unix.Stat_t) error {
	if l.Confined() {
		err := statInRoot(l.Merged, p, st)
		if !errors.Is(err, unix.ENOSYS) {
			return err
		}
	}
	q, _ := rd.Redirect(p)
	return unix.Stat(q, st)
}

func statInRoot(root, p string, st *unix.Stat_t) error {
	dfd, err := unix.Open(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(dfd)

	fd, err := unix.Openat2(dfd, p, &unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_IN_ROOT,
	})
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fstat(fd, st)
}
