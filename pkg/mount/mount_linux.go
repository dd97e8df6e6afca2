package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Mount 执行挂载系统调用
// 如果是只读绑定挂载，需要重新挂载一次来确保只读属性生效；
// 设置了 Propagation 时最后修改传播类型
func (m *Mount) Mount() error {
	// 确保挂载目标存在（目录或文件）
	if err := ensureMountTargetExists(m.Source, m.Target, m.IsBindMount()); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := syscall.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("mount %s: %w", m.Target, err)
	}
	// 第一次绑定挂载时 MS_RDONLY 会被忽略
	const bindRo = syscall.MS_BIND | syscall.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := syscall.Mount("", m.Target, m.FsType, m.Flags|syscall.MS_REMOUNT, m.Data); err != nil {
			return fmt.Errorf("remount %s: %w", m.Target, err)
		}
	}
	if m.Propagation != 0 {
		if err := syscall.Mount("", m.Target, "", m.Propagation, ""); err != nil {
			return fmt.Errorf("propagation %s: %w", m.Target, err)
		}
	}
	return nil
}

// Unmount 卸载挂载点，flags 为 umount2 的标志（例如 MNT_DETACH）
func (m *Mount) Unmount(flags int) error {
	for {
		err := syscall.Unmount(m.Target, flags)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("umount %s: %w", m.Target, err)
		}
		return nil
	}
}

// ensureMountTargetExists 确保挂载目标存在
// 绑定挂载的源是文件时创建目标文件，否则创建目标目录
func ensureMountTargetExists(source, target string, bind bool) error {
	isFile := false
	if bind {
		if fi, err := os.Stat(source); err == nil {
			isFile = !fi.IsDir()
		}
	}
	dir := target
	if isFile {
		dir = filepath.Dir(target)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if isFile {
		if err := syscall.Mknod(target, 0755, 0); err != nil {
			// 双重检查文件是否已存在
			f, err1 := os.Lstat(target)
			if err1 == nil && f.Mode().IsRegular() {
				return nil
			}
			return err
		}
	}
	return nil
}
