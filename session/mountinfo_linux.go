package session

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// IsMountPoint 判断 dir 是否是挂载点
// 比较 dir 与其父目录 parent 的挂载 id，不同即为挂载点；
// 内核不返回挂载 id 时（< 5.8）退回到比较设备号。
// dir 不存在时返回 false
func IsMountPoint(dir, parent string) (bool, error) {
	var child, up unix.Statx_t
	if err := statxMount(dir, &child); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, &os.PathError{Op: "statx", Path: dir, Err: err}
	}
	if err := statxMount(parent, &up); err != nil {
		return false, &os.PathError{Op: "statx", Path: parent, Err: err}
	}
	if child.Mask&up.Mask&unix.STATX_MNT_ID != 0 {
		return child.Mnt_id != up.Mnt_id, nil
	}
	return child.Dev_major != up.Dev_major || child.Dev_minor != up.Dev_minor, nil
}

func statxMount(p string, stx *unix.Statx_t) error {
	for {
		err := unix.Statx(unix.AT_FDCWD, p, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_MNT_ID|unix.STATX_BASIC_STATS, stx)
		if err != unix.EINTR {
			return err
		}
	}
}
