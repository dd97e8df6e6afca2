package ptracer

import (
	"syscall"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

/* ptraceReadStr 使用 PTRACE_PEEKDATA 从目标进程内存中读取字符串

ptrace 按字读取，遇到不可读的页会中途失败。此时只要已读部分包含
NUL 就认为字符串完整。

注意事项：
  1. 目标进程必须被 ptrace 附加且处于停止状态
  2. buff 的大小决定了最大读取长度 */

func ptraceReadStr(pid int, addr uintptr, buff []byte) error {
	n, err := syscall.PtracePeekData(pid, addr, buff)
	if err != nil && hasNull(buff[:n]) {
		return nil
	}
	return err
}

/* processVMReadv 封装 process_vm_readv 系统调用，用于在进程间直接传输数据

系统调用格式：
  ssize_t process_vm_readv(pid_t pid,
                          const struct iovec *local_iov,
                          unsigned long liovcnt,
                          const struct iovec *remote_iov,
                          unsigned long riovcnt,
                          unsigned long flags);

使用要求：
  1. 需要 Linux 3.2+ 内核支持
  2. 调用进程需要对目标进程有 ptrace 权限
  3. 避免跨页面边界读取 */

func processVMReadv(pid int, localIov, remoteIov []unix.Iovec,
	flags uintptr) (r1, r2 uintptr, err syscall.Errno) {
	return syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)),
		flags)
}

// processVMWritev 封装 process_vm_writev，参数与 processVMReadv 相同
// 只能写入目标进程中可写的页
func processVMWritev(pid int, localIov, remoteIov []unix.Iovec,
	flags uintptr) (r1, r2 uintptr, err syscall.Errno) {
	return syscall.Syscall6(unix.SYS_PROCESS_VM_WRITEV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)),
		flags)
}

// vmRead 使用 process_vm_readv 从目标进程的 addr 处读取 len(buff) 字节
// 返回实际读取的字节数
func vmRead(pid int, addr uintptr, buff []byte) (int, error) {
	l := len(buff)
	// 本地内存向量指向接收缓冲区，远程内存向量指向目标进程的内存
	localIov := getIovecs(&buff[0], l)
	remoteIov := getIovecs((*byte)(unsafe.Pointer(addr)), l)
	n, _, err := processVMReadv(pid, localIov, remoteIov, uintptr(0))
	if err == 0 {
		return int(n), nil
	}
	return int(n), err
}

// vmWrite 使用 process_vm_writev 将 buff 写入目标进程的 addr 处
func vmWrite(pid int, addr uintptr, buff []byte) (int, error) {
	l := len(buff)
	localIov := getIovecs(&buff[0], l)
	remoteIov := getIovecs((*byte)(unsafe.Pointer(addr)), l)
	n, _, err := processVMWritev(pid, localIov, remoteIov, uintptr(0))
	if err == 0 {
		return int(n), nil
	}
	return int(n), err
}

func getIovecs(base *byte, l int) []unix.Iovec {
	return []unix.Iovec{getIovec(base, l)}
}

func getIovec(base *byte, l int) unix.Iovec {
	return unix.Iovec{Base: base, Len: uint64(l)}
}

/* vmReadStr 使用 process_vm_readv 从目标进程内存中读取字符串

按页分块读取以避免一次读取跨越到未映射的页。遇到 NUL 或者缓冲区
填满时停止。

注意事项：
  1. 字符串超过缓冲区长度时会被截断，调用方需要自行判断
  2. 第一次读取只读到当前页的末尾 */

func vmReadStr(pid int, addr uintptr, buff []byte) error {
	totalRead := 0
	// 计算到下一个页边界的距离，作为第一次读取的长度
	nextRead := pageSize - int(addr%uintptr(pageSize))
	if nextRead == 0 {
		nextRead = pageSize
	}

	for len(buff) > 0 {
		if restToRead := len(buff); restToRead < nextRead {
			nextRead = restToRead
		}

		curRead, err := vmRead(pid, addr+uintptr(totalRead), buff[:nextRead])
		if err != nil {
			return err
		}
		if curRead == 0 {
			break
		}
		if hasNull(buff[:curRead]) {
			break
		}

		totalRead += curRead
		buff = buff[curRead:]
		nextRead = pageSize
	}
	return nil
}

// hasNull 检查缓冲区中是否包含 NUL 字符
func hasNull(buff []byte) bool {
	for _, v := range buff {
		if v == 0 {
			return true
		}
	}
	return false
}
