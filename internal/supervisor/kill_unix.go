//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess sends SIGKILL to the child's process group. When the group
// cannot be signalled for a reason other than it being gone, the direct child
// is killed instead.
func killProcess(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	if killErr := p.Kill(); killErr != nil {
		return fmt.Errorf("kill process group %d: %w", p.Pid, errors.Join(err, killErr))
	}
	return nil
}
