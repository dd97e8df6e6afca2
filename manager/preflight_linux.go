package manager

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/forkfs/overlay"
	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

// 挂载 overlay 和在会话中创建属于其他用户的文件所需的权能
var requiredCaps = []struct {
	cap  uint
	name string
}{
	{unix.CAP_SYS_ADMIN, "CAP_SYS_ADMIN"},
	{unix.CAP_DAC_OVERRIDE, "CAP_DAC_OVERRIDE"},
	{unix.CAP_CHOWN, "CAP_CHOWN"},
}

var ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Preflight 在挂载之前检查运行条件：
// 缺少权能或 ptrace 被禁用返回 NotRoot，内核不支持 overlay 返回 SetupRequired
func Preflight() error {
	if err := checkCapabilities(); err != nil {
		return err
	}
	if err := checkPtraceScope(ptraceScopePath); err != nil {
		return err
	}
	return overlay.Supported()
}

func checkCapabilities() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return errdefs.New(errdefs.KindIo, "capget", err)
	}
	missing := missingCaps(data)
	if len(missing) > 0 {
		return errdefs.Newf(errdefs.KindNotRoot, "preflight",
			"missing %s; run forkfs with sudo", strings.Join(missing, ", "))
	}
	return nil
}

func missingCaps(data [2]unix.CapUserData) []string {
	var missing []string
	for _, c := range requiredCaps {
		if data[c.cap/32].Effective&(1<<(c.cap%32)) == 0 {
			missing = append(missing, c.name)
		}
	}
	return missing
}

// checkPtraceScope 在 Yama 完全禁用 ptrace（值为 3）时返回 NotRoot
// 文件不存在表示没有启用 Yama
func checkPtraceScope(p string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	if string(bytes.TrimSpace(b)) == "3" {
		return errdefs.Newf(errdefs.KindNotRoot, "preflight",
			"ptrace is disabled (kernel.yama.ptrace_scope = 3)")
	}
	return nil
}

// credential 返回被跟踪程序的身份
// 通过 sudo 以 root 运行时切换回调用者，除非配置了 stay_root
func (m *Manager) credential() (*syscall.Credential, error) {
	if m.Config.StayRoot || os.Geteuid() != 0 {
		return nil, nil
	}
	return sudoCredential(os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID"))
}

func sudoCredential(uidStr, gidStr string) (*syscall.Credential, error) {
	if uidStr == "" || gidStr == "" {
		return nil, nil
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("SUDO_UID: %w", err)
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("SUDO_GID: %w", err)
	}
	if uid == 0 {
		return nil, nil
	}

	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	// 附加组查不到时只使用主组
	if u, err := user.LookupId(uidStr); err == nil {
		if ids, err := u.GroupIds(); err == nil {
			for _, id := range ids {
				if g, err := strconv.ParseUint(id, 10, 32); err == nil {
					cred.Groups = append(cred.Groups, uint32(g))
				}
			}
		}
	}
	return cred, nil
}
