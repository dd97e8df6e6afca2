package libseccomp

import (
	"fmt"
	"runtime"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// info 是当前系统架构（如 x86_64）的系统调用映射表
var info, errInfo = arch.GetInfo("")

// names 是 info 的反向映射：名称 -> 系统调用号
var names = func() map[string]int {
	m := make(map[string]int)
	if errInfo != nil {
		return m
	}
	for no, name := range info.SyscallNumbers {
		m[name] = no
	}
	return m
}()

// ToSyscallName 将系统调用号转换为对应的系统调用名称
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// ToSyscallNo 将系统调用名称转换为当前架构上的系统调用号
func ToSyscallNo(name string) (uint, error) {
	if errInfo != nil {
		return 0, errInfo
	}
	no, ok := names[name]
	if !ok {
		return 0, fmt.Errorf("syscall %q does not exist on %s", name, runtime.GOARCH)
	}
	return uint(no), nil
}

// FilterKnown 将名称分成当前架构上存在的和不存在的两组，保持原有顺序
// 过滤器中出现未知名称会导致编译失败
func FilterKnown(list []string) (known, unknown []string) {
	for _, n := range list {
		if _, ok := names[n]; ok {
			known = append(known, n)
		} else {
			unknown = append(unknown, n)
		}
	}
	return
}
