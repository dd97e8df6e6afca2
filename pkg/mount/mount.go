// Package mount 提供了 Linux 系统中挂载点管理的功能
package mount

import (
	"fmt"
	"syscall"
)

// Mount 定义了挂载点的基本属性
// 这个结构体用于描述一个挂载操作所需的所有信息
type Mount struct {
	Source string  // 挂载源（如设备文件、目录或特殊文件系统名称）
	Target string  // 挂载目标（挂载点的路径）
	FsType string  // 文件系统类型（如 overlay、tmpfs 等）
	Data   string  // 挂载选项（如 lowerdir=...）
	Flags  uintptr // 挂载标志（如 MS_RDONLY、MS_BIND 等）

	// Propagation 挂载后通过 mount("", target, "", Propagation, "") 修改传播类型
	// 例如 MS_SLAVE|MS_REC，为 0 时不修改
	Propagation uintptr
}

// IsBindMount 判断是否为绑定挂载
// 通过检查 MS_BIND 标志位来确定
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly 判断是否为只读挂载
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// IsOverlay 判断是否为 overlay 文件系统
func (m Mount) IsOverlay() bool {
	return m.FsType == "overlay"
}

// String 返回挂载点的字符串表示
func (m Mount) String() string {
	flag := "rw"
	if m.IsReadOnly() {
		flag = "ro"
	}
	switch {
	case m.IsBindMount():
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.IsOverlay():
		return fmt.Sprintf("overlay[%s:%s]", m.Target, m.Data)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
