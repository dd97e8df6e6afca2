package libseccomp

import (
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/zqzqsb/forkfs/pkg/seccomp"
)

// Builder 用于构建 seccomp 过滤器
// 跟踪路径重定向时通常设置 Default 为 ActionAllow，只把需要改写的系统调用放进 Trace
type Builder struct {
	Allow   []string // 允许执行的系统调用列表
	Trace   []string // 需要跟踪的系统调用列表
	Default Action   // 默认动作（当系统调用不在上述列表中时）
}

// Build 构建过滤器
// 1. 创建过滤策略
// 2. 编译为 BPF 程序
// 3. 转换为内核可读格式
func (b *Builder) Build() (seccomp.Filter, error) {
	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
	}
	// 策略中同一系统调用只能出现一次，同时出现在两个列表中时以跟踪为准
	seen := make(map[string]bool)
	trace := unique(b.Trace, seen)
	allow := unique(b.Allow, seen)
	if len(allow) > 0 {
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: libseccomp.ActionAllow,
			Names:  allow,
		})
	}
	if len(trace) > 0 {
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: libseccomp.ActionTrace,
			Names:  trace,
		})
	}

	program, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// unique 返回 names 中未出现在 seen 里的名称，保持原有顺序
func unique(names []string, seen map[string]bool) []string {
	ret := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		ret = append(ret, n)
	}
	return ret
}

// ExportBPF 将 BPF 指令序列转换为内核可读的过滤器
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

// sockFilter 将原始 BPF 指令转换为内核使用的 SockFilter 格式
func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}
