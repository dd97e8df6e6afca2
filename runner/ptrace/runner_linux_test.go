package ptrace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/zqzqsb/forkfs/redirect"
	"github.com/zqzqsb/forkfs/runner"
)

func TestSyscallTable(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range syscallTable {
		if seen[s.name] {
			t.Errorf("duplicate syscall %q", s.name)
		}
		seen[s.name] = true
		for _, a := range s.paths {
			if a.path < 0 || a.path > 5 || a.dirfd > 5 || a.dirfd == a.path {
				t.Errorf("%s: bad path argument %+v", s.name, a)
			}
		}
		if len(s.paths) > 2 {
			t.Errorf("%s: %d path arguments do not fit the scratch buffer", s.name, len(s.paths))
		}
	}

	names := TracedSyscalls()
	if !sort.StringsAreSorted(names) {
		t.Errorf("TracedSyscalls() not sorted: %v", names)
	}
	for _, want := range []string{"openat", "execve", "getcwd", "chdir", "fchdir"} {
		i := sort.SearchStrings(names, want)
		if i == len(names) || names[i] != want {
			t.Errorf("TracedSyscalls() missing %q", want)
		}
	}
	if len(syscallIndex()) != len(names) {
		t.Errorf("syscallIndex() has %d entries, want %d", len(syscallIndex()), len(names))
	}
}

func TestFilter(t *testing.T) {
	filter, err := Filter()
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if filter.SockFprog() == nil {
		t.Fatal("Filter() is empty")
	}
}

func TestRestoreCwd(t *testing.T) {
	r := redirect.New("/", "/var/cache/forkfs/s/merged", nil)
	tests := []struct {
		cwd  string
		want string
		n    int
		ok   bool
	}{
		{"/var/cache/forkfs/s/merged", "/", 2, true},
		{"/var/cache/forkfs/s/merged/home/u", "/home/u", 8, true},
		{"/home/u", "/home/u", 8, false},
		{"/var/cache/forkfs/s/mergedx", "/var/cache/forkfs/s/mergedx", 28, false},
	}
	for _, tt := range tests {
		t.Run(tt.cwd, func(t *testing.T) {
			got, n, ok := restoreCwd(r, tt.cwd)
			if got != tt.want || n != tt.n || ok != tt.ok {
				t.Errorf("restoreCwd(%q) = %q, %d, %v, want %q, %d, %v", tt.cwd, got, n, ok, tt.want, tt.n, tt.ok)
			}
		})
	}
}

// runRedirected 在 /forkfs-virtual -> merged 的重定向下运行命令并返回标准输出
func runRedirected(t *testing.T, merged string, workDir string, args ...string) (runner.Result, string) {
	t.Helper()
	p, err := exec.LookPath(args[0])
	if err != nil {
		t.Skipf("%s not found", args[0])
	}
	args[0] = p
	// getcwd 返回解析过符号链接的路径
	if merged, err = filepath.EvalSymlinks(merged); err != nil {
		t.Fatal(err)
	}
	if workDir, err = filepath.EvalSymlinks(workDir); err != nil {
		t.Fatal(err)
	}

	out, err := os.Create(filepath.Join(t.TempDir(), "stdout"))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	null, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()

	r := &Runner{
		Args:       args,
		Env:        []string{"PATH=/usr/bin:/bin"},
		WorkDir:    workDir,
		Files:      []uintptr{null.Fd(), out.Fd(), null.Fd()},
		Redirector: redirect.New("/forkfs-virtual", merged, nil),
	}
	result := r.Run(context.Background())
	if result.Status == runner.StatusRunnerError && strings.Contains(result.Error, "not permitted") {
		t.Skipf("ptrace unavailable: %s", result.Error)
	}
	b, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	return result, string(b)
}

func TestRunRedirectsAbsolutePath(t *testing.T) {
	merged := t.TempDir()
	if err := os.WriteFile(filepath.Join(merged, "hello"), []byte("forked\n"), 0644); err != nil {
		t.Fatal(err)
	}
	result, out := runRedirected(t, merged, "/", "cat", "/forkfs-virtual/hello")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", result)
	}
	if out != "forked\n" {
		t.Errorf("output = %q, want %q", out, "forked\n")
	}
}

func TestRunRelativePathInsideMerged(t *testing.T) {
	merged := t.TempDir()
	if err := os.WriteFile(filepath.Join(merged, "hello"), []byte("relative\n"), 0644); err != nil {
		t.Fatal(err)
	}
	result, out := runRedirected(t, merged, merged, "cat", "hello")
	if result.Status != runner.StatusNormal || out != "relative\n" {
		t.Fatalf("Run() = %v, output %q", result, out)
	}
}

func TestRunGetcwdHidesMerged(t *testing.T) {
	merged := t.TempDir()
	sub := filepath.Join(merged, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	result, out := runRedirected(t, merged, sub, "pwd", "-P")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", result)
	}
	if got := strings.TrimSpace(out); got != "/forkfs-virtual/sub" {
		t.Errorf("pwd = %q, want %q", got, "/forkfs-virtual/sub")
	}
}

func TestRunWritesLandInMerged(t *testing.T) {
	merged := t.TempDir()
	result, _ := runRedirected(t, merged, "/", "mkdir", "/forkfs-virtual/created")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", result)
	}
	if fi, err := os.Stat(filepath.Join(merged, "created")); err != nil || !fi.IsDir() {
		t.Errorf("created directory missing from merged view: %v", err)
	}
	if _, err := os.Stat("/forkfs-virtual"); err == nil {
		t.Error("write escaped to the real path")
	}
}

// ".." 跟随实际的目录结构，符号链接的父目录是其目标的父目录
func TestRunDotDotAfterSymlink(t *testing.T) {
	merged := t.TempDir()
	if err := os.MkdirAll(filepath.Join(merged, "real", "inner"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real/inner", filepath.Join(merged, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(merged, "real", "file"), []byte("physical\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(merged, "file"), []byte("lexical\n"), 0644); err != nil {
		t.Fatal(err)
	}
	result, out := runRedirected(t, merged, "/", "cat", "/forkfs-virtual/link/../file")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", result)
	}
	if out != "physical\n" {
		t.Errorf("output = %q, want %q", out, "physical\n")
	}
}

// 后台进程和嵌套的 shell 中的写入同样落在合并视图中
func TestRunForkedChildWritesLandInMerged(t *testing.T) {
	merged := t.TempDir()
	result, _ := runRedirected(t, merged, "/", "sh", "-c",
		"mkdir /forkfs-virtual/bg & wait; sh -c 'echo nested > /forkfs-virtual/nested'")
	if result.Status != runner.StatusNormal {
		t.Fatalf("Run() = %v", result)
	}
	if fi, err := os.Stat(filepath.Join(merged, "bg")); err != nil || !fi.IsDir() {
		t.Errorf("background mkdir missing from merged view: %v", err)
	}
	if b, err := os.ReadFile(filepath.Join(merged, "nested")); err != nil || string(b) != "nested\n" {
		t.Errorf("nested write = %q, %v", b, err)
	}
	if _, err := os.Stat("/forkfs-virtual"); err == nil {
		t.Error("write escaped to the real path")
	}
}
