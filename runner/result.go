package runner

import (
	"fmt"
	"time"
)

// Result 是程序运行的结果
type Result struct {
	Status            // 结果状态
	ExitStatus int    // 退出状态（如果被信号终止则为信号编号）
	Error      string // 潜在的详细错误信息（用于程序运行器错误）
	Cause      error  // 运行器错误的原始错误，可能为 nil

	// 从启动到根进程退出的时间
	RunningTime time.Duration
}

/*
	当一个类型实现了 String() 方法，它就自动实现了 fmt.Stringer 接口。
	使用 %v 或 %s 格式化时会调用 String() 方法
*/

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[Exited(0)][%v]", r.RunningTime)

	case StatusNonzeroExitStatus:
		return fmt.Sprintf("Result[Exited(%d)][%v]", r.ExitStatus, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%v]", r.ExitStatus, r.RunningTime)

	case StatusRunnerError:
		return fmt.Sprintf("Result[RunnerFailed(%s)][%v]", r.Error, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%v]", r.Status, r.Error, r.ExitStatus, r.RunningTime)
	}
}

// ExitCode 将结果转换为 shell 约定的退出码：
// 正常退出时为进程的退出码，被信号终止时为 128 加信号编号，其余为 -1
func (r Result) ExitCode() int {
	switch r.Status {
	case StatusNormal:
		return 0
	case StatusNonzeroExitStatus:
		return r.ExitStatus
	case StatusSignalled:
		return 128 + r.ExitStatus
	}
	return -1
}
