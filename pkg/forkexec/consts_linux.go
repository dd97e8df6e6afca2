package forkexec

import (
	"golang.org/x/sys/unix"
)

// 定义 syscall 包中缺少的常量
const (
	// SECCOMP_SET_MODE_FILTER 是 seccomp 的过滤器模式
	SECCOMP_SET_MODE_FILTER = 1

	// SECCOMP_FILTER_FLAG_TSYNC 表示同步所有线程的 seccomp 过滤器
	SECCOMP_FILTER_FLAG_TSYNC = 1
)

var (
	// dropCapHeader 用于删除所有能力（capabilities）的头部结构
	dropCapHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	// dropCapData 将所有能力位都设置为 0
	dropCapData = unix.CapUserData{
		Effective:   0,
		Permitted:   0,
		Inheritable: 0,
	}

	// etxtbsyRetryInterval 定义了遇到 ETXTBSY 错误时的重试间隔（1 毫秒）
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)

// Linux 安全位（Secure Bits）的常量定义
const (
	// _SECURE_NOROOT: 禁止 root 用户的特权
	_SECURE_NOROOT = 1 << iota
	// _SECURE_NOROOT_LOCKED: 锁定 NOROOT 设置，防止被修改
	_SECURE_NOROOT_LOCKED

	// _SECURE_NO_SETUID_FIXUP: 禁用 setuid 程序的特权提升
	_SECURE_NO_SETUID_FIXUP
	// _SECURE_NO_SETUID_FIXUP_LOCKED: 锁定 NO_SETUID_FIXUP 设置
	_SECURE_NO_SETUID_FIXUP_LOCKED

	// _SECURE_KEEP_CAPS: 在 uid 变更时保留能力
	_SECURE_KEEP_CAPS
	// _SECURE_KEEP_CAPS_LOCKED: 锁定 KEEP_CAPS 设置
	_SECURE_KEEP_CAPS_LOCKED
)
