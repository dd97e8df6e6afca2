package libseccomp

// Action 定义了 seccomp 过滤器的动作类型
// - 低 16 位用于基本动作（如 ALLOW、TRACE 等）
// - 高 16 位用于附加数据（如错误码）
type Action uint32

// Action 常量与 seccomp.Action 取值一致，0 值无效
const (
	ActionAllow Action = iota + 1 // 允许系统调用继续执行
	ActionErrno                   // 返回一个错误码给调用进程
	ActionTrace                   // 通知跟踪器并暂停执行
	ActionKill                    // 立即终止进程
)

// Action 返回基本动作类型（不包含附加数据）
func (a Action) Action() Action {
	return Action(a & 0xffff)
}
