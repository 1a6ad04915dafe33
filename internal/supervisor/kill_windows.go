//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// Windows has no process groups that can be signalled as a unit, so only the
// direct child is killed.
func configureCmdSysProcAttr(cmd *exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}
