package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zqzqsb/forkfs/manager"
	"github.com/zqzqsb/forkfs/pkg/errdefs"
	"github.com/zqzqsb/forkfs/session"
)

// 退出码沿用 sysexits.h
const (
	exitUsage    = 64
	exitNoInput  = 66
	exitIOErr    = 74
	exitNoPerm   = 77
	exitConfig   = 78
	exitInternal = 1
)

// exitStatus 是已经报告过的失败，只携带退出码
type exitStatus int

func (s exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(s))
}

// ExitCode 返回进程退出码
func (s exitStatus) ExitCode() int {
	return int(s)
}

// usageError 把命令行解析错误归为 InvalidArgument
func usageError(err error) error {
	return errdefs.New(errdefs.KindInvalidArgument, "usage", err)
}

// exitCode 将错误映射为退出码
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var st exitStatus
	if errors.As(err, &st) {
		return st.ExitCode()
	}
	var e *errdefs.Error
	if !errors.As(err, &e) {
		return exitInternal
	}
	switch e.Kind {
	case errdefs.KindInvalidArgument:
		return exitUsage
	case errdefs.KindNotRoot:
		return exitNoPerm
	case errdefs.KindSetupRequired:
		return exitConfig
	case errdefs.KindSessionNotFound:
		return exitNoInput
	}
	return exitIOErr
}

// printSessionsInline 以 "a, [b], c" 的形式输出会话，活动会话带方括号
func printSessionsInline(w io.Writer, infos []session.Info) {
	if len(infos) == 0 {
		return
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.State == session.Active {
			names = append(names, "["+info.Name+"]")
		} else {
			names = append(names, info.Name)
		}
	}
	fmt.Fprintln(w, strings.Join(names, ", "))
}

// printSessionsTable 每行输出一个 "名称\t状态"
func printSessionsTable(w io.Writer, infos []session.Info) {
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\n", info.Name, info.State)
	}
}

func printChanges(w io.Writer, changes []manager.Change) {
	for _, c := range changes {
		fmt.Fprintf(w, "%s\t%s\n", c.Kind, c.Path)
	}
}
