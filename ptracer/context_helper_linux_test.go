package ptracer

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestHasNull(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty", []byte{}, false},
		{"no null", []byte("/usr/bin"), false},
		{"null at start", []byte{0, 'a'}, true},
		{"null at end", []byte("/tmp\x00"), true},
		{"null in middle", []byte("a\x00b"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasNull(tt.data); got != tt.want {
				t.Errorf("hasNull(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestCString(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", []byte{}, ""},
		{"no null", []byte("/etc"), "/etc"},
		{"trailing nulls", []byte("/etc\x00\x00\x00"), "/etc"},
		{"garbage after null", []byte("/a\x00/b"), "/a"},
		{"leading null", []byte("\x00/a"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cString(tt.data); got != tt.want {
				t.Errorf("cString() = %q, want %q", got, tt.want)
			}
		})
	}
}

// mapPages 在当前进程中映射 n 个可读写页，测试结束时释放
func mapPages(t *testing.T, n int) []byte {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, n*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return mem
}

// 对自身调用 process_vm_readv 不需要 ptrace 权限
func TestVmReadWriteSelf(t *testing.T) {
	mem := mapPages(t, 1)
	addr := uintptr(unsafe.Pointer(&mem[0]))
	pid := os.Getpid()

	want := []byte("/var/lib/forkfs")
	n, err := vmWrite(pid, addr, want)
	if err == unix.ENOSYS {
		t.Skip("process_vm_writev not supported")
	}
	if err != nil || n != len(want) {
		t.Fatalf("vmWrite() = %d, %v", n, err)
	}

	got := make([]byte, len(want))
	if n, err = vmRead(pid, addr, got); err != nil || n != len(want) {
		t.Fatalf("vmRead() = %d, %v", n, err)
	}
	if string(got) != string(want) {
		t.Errorf("vmRead() read %q, want %q", got, want)
	}
}

func TestVmReadStr(t *testing.T) {
	mem := mapPages(t, 2)
	base := uintptr(unsafe.Pointer(&mem[0]))
	pid := os.Getpid()

	tests := []struct {
		name   string
		offset int // 字符串在映射中的起始位置
		str    string
		buff   int
		want   string
	}{
		{"page start", 0, "/etc/passwd", 64, "/etc/passwd"},
		{"unaligned", 123, "/usr/share/zoneinfo", 64, "/usr/share/zoneinfo"},
		{"crosses page boundary", pageSize - 5, "/home/user/file", 64, "/home/user/file"},
		{"truncated by buffer", 0, "/a/very/long/path", 7, "/a/very"},
		{"ends at page end", pageSize - 4, "/bin", 64, "/bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clear(mem)
			copy(mem[tt.offset:], tt.str)
			buff := make([]byte, tt.buff)
			if err := vmReadStr(pid, base+uintptr(tt.offset), buff); err != nil {
				if err == unix.ENOSYS {
					t.Skip("process_vm_readv not supported")
				}
				t.Fatalf("vmReadStr() error = %v", err)
			}
			if got := cString(buff); got != tt.want {
				t.Errorf("vmReadStr() = %q, want %q", got, tt.want)
			}
		})
	}
}

// 读到不可读的页时 vmReadStr 返回错误，调用方据此回退到 ptrace
func TestVmReadStrUnreadable(t *testing.T) {
	mem := mapPages(t, 2)
	if err := unix.Mprotect(mem[pageSize:], unix.PROT_NONE); err != nil {
		t.Fatalf("mprotect: %v", err)
	}
	copy(mem[pageSize-3:], "/ab")
	addr := uintptr(unsafe.Pointer(&mem[pageSize-3]))

	buff := make([]byte, 64)
	if err := vmReadStr(os.Getpid(), addr, buff); err == nil {
		t.Errorf("vmReadStr() = %q, want error for unterminated string", cString(buff))
	}
}
