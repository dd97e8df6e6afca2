package ptrace

import (
	"sort"

	"github.com/zqzqsb/forkfs/pkg/seccomp/libseccomp"
)

// exitOp 定义了系统调用退出时除恢复参数之外的额外处理
type exitOp int

const (
	exitRestore exitOp = iota // 只恢复被改写的参数
	exitGetcwd                // 去掉返回路径中的合并视图前缀
	exitChdir                 // 工作目录可能改变，清除缓存
)

// pathArg 描述一个路径参数
// dirfd 为 -1 表示相对路径总是相对于工作目录，
// 否则只有 dirfd 参数为 AT_FDCWD 时才基于工作目录解析
type pathArg struct {
	dirfd int
	path  int
}

// syscallSpec 描述一个需要跟踪的系统调用
type syscallSpec struct {
	name  string
	paths []pathArg
	exit  exitOp
}

func arg(i int) pathArg      { return pathArg{dirfd: -1, path: i} }
func argAt(d, i int) pathArg { return pathArg{dirfd: d, path: i} }

// syscallTable 是所有需要跟踪的系统调用，参数序号从 0 开始
// symlink 的目标字符串原样保存，不做重定向
var syscallTable = []syscallSpec{
	// 打开与创建
	{name: "open", paths: []pathArg{arg(0)}},
	{name: "openat", paths: []pathArg{argAt(0, 1)}},
	{name: "openat2", paths: []pathArg{argAt(0, 1)}},
	{name: "creat", paths: []pathArg{arg(0)}},
	{name: "mknod", paths: []pathArg{arg(0)}},
	{name: "mknodat", paths: []pathArg{argAt(0, 1)}},
	{name: "mkdir", paths: []pathArg{arg(0)}},
	{name: "mkdirat", paths: []pathArg{argAt(0, 1)}},

	// 文件状态
	{name: "stat", paths: []pathArg{arg(0)}},
	{name: "lstat", paths: []pathArg{arg(0)}},
	{name: "newfstatat", paths: []pathArg{argAt(0, 1)}},
	{name: "statx", paths: []pathArg{argAt(0, 1)}},
	{name: "statfs", paths: []pathArg{arg(0)}},
	{name: "access", paths: []pathArg{arg(0)}},
	{name: "faccessat", paths: []pathArg{argAt(0, 1)}},
	{name: "faccessat2", paths: []pathArg{argAt(0, 1)}},
	{name: "readlink", paths: []pathArg{arg(0)}},
	{name: "readlinkat", paths: []pathArg{argAt(0, 1)}},

	// 删除、重命名与链接
	{name: "unlink", paths: []pathArg{arg(0)}},
	{name: "unlinkat", paths: []pathArg{argAt(0, 1)}},
	{name: "rmdir", paths: []pathArg{arg(0)}},
	{name: "rename", paths: []pathArg{arg(0), arg(1)}},
	{name: "renameat", paths: []pathArg{argAt(0, 1), argAt(2, 3)}},
	{name: "renameat2", paths: []pathArg{argAt(0, 1), argAt(2, 3)}},
	{name: "link", paths: []pathArg{arg(0), arg(1)}},
	{name: "linkat", paths: []pathArg{argAt(0, 1), argAt(2, 3)}},
	{name: "symlink", paths: []pathArg{arg(1)}},
	{name: "symlinkat", paths: []pathArg{argAt(1, 2)}},

	// 属性修改
	{name: "chmod", paths: []pathArg{arg(0)}},
	{name: "fchmodat", paths: []pathArg{argAt(0, 1)}},
	{name: "fchmodat2", paths: []pathArg{argAt(0, 1)}},
	{name: "chown", paths: []pathArg{arg(0)}},
	{name: "lchown", paths: []pathArg{arg(0)}},
	{name: "fchownat", paths: []pathArg{argAt(0, 1)}},
	{name: "truncate", paths: []pathArg{arg(0)}},
	{name: "utime", paths: []pathArg{arg(0)}},
	{name: "utimes", paths: []pathArg{arg(0)}},
	{name: "utimensat", paths: []pathArg{argAt(0, 1)}},
	{name: "futimesat", paths: []pathArg{argAt(0, 1)}},

	// 扩展属性
	{name: "setxattr", paths: []pathArg{arg(0)}},
	{name: "lsetxattr", paths: []pathArg{arg(0)}},
	{name: "getxattr", paths: []pathArg{arg(0)}},
	{name: "lgetxattr", paths: []pathArg{arg(0)}},
	{name: "listxattr", paths: []pathArg{arg(0)}},
	{name: "llistxattr", paths: []pathArg{arg(0)}},
	{name: "removexattr", paths: []pathArg{arg(0)}},
	{name: "lremovexattr", paths: []pathArg{arg(0)}},

	// 程序执行
	{name: "execve", paths: []pathArg{arg(0)}},
	{name: "execveat", paths: []pathArg{argAt(0, 1)}},

	// 其他
	{name: "inotify_add_watch", paths: []pathArg{arg(1)}},
	{name: "name_to_handle_at", paths: []pathArg{argAt(0, 1)}},
	{name: "chroot", paths: []pathArg{arg(0)}},

	// 工作目录
	{name: "chdir", paths: []pathArg{arg(0)}, exit: exitChdir},
	{name: "fchdir", exit: exitChdir},
	{name: "getcwd", exit: exitGetcwd},
}

// syscallIndex 将当前架构上的系统调用号映射到 syscallTable 的项
// 当前架构上不存在的名称（如 amd64 以外的 open）被忽略
func syscallIndex() map[uint]*syscallSpec {
	m := make(map[uint]*syscallSpec, len(syscallTable))
	for i := range syscallTable {
		no, err := libseccomp.ToSyscallNo(syscallTable[i].name)
		if err != nil {
			continue
		}
		m[no] = &syscallTable[i]
	}
	return m
}

// TracedSyscalls 返回当前架构上需要交给跟踪器的系统调用名称，已排序
func TracedSyscalls() []string {
	names := make([]string, 0, len(syscallTable))
	for _, s := range syscallTable {
		names = append(names, s.name)
	}
	known, _ := libseccomp.FilterKnown(names)
	sort.Strings(known)
	return known
}
