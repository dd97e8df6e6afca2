package ptrace

import (
	"log/slog"
	"sort"
)

// SyscallCounter 按系统调用名称统计一次运行中被改写的路径参数个数
type SyscallCounter map[string]int

// NewSyscallCounter 创建新的 SyscallCounter
func NewSyscallCounter() SyscallCounter {
	return SyscallCounter(make(map[string]int))
}

// Add 为 name 增加 n 次计数
func (s SyscallCounter) Add(name string, n int) {
	if n > 0 {
		s[name] += n
	}
}

// Total 返回所有系统调用的计数之和
func (s SyscallCounter) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// LogValue 按名称排序输出，供 slog 使用
func (s SyscallCounter) LogValue() slog.Value {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	attrs := make([]slog.Attr, 0, len(names))
	for _, k := range names {
		attrs = append(attrs, slog.Int(k, s[k]))
	}
	return slog.GroupValue(attrs...)
}
