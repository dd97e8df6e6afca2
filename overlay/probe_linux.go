package overlay

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

var filesystemsPath = "/proc/filesystems"

// Supported 检查内核是否支持 overlayfs
func Supported() error {
	f, err := os.Open(filesystemsPath)
	if err != nil {
		return errdefs.New(errdefs.KindSetupRequired, "probe overlay", err)
	}
	defer f.Close()

	ok, err := hasFilesystem(f, "overlay")
	if err != nil {
		return errdefs.New(errdefs.KindIo, "probe overlay", err)
	}
	if !ok {
		return errdefs.Newf(errdefs.KindSetupRequired, "probe overlay",
			"overlay is not listed in %s, try 'modprobe overlay'", filesystemsPath)
	}
	return nil
}

// hasFilesystem 解析 /proc/filesystems 格式的内容
//
//	nodev	proc
//		ext4
func hasFilesystem(r io.Reader, name string) (bool, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true, nil
		}
	}
	return false, sc.Err()
}
