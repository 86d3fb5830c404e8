//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setSysProcAttr(cmd *exec.Cmd) {}

// terminate kills immediately: Windows has no portable graceful signal for
// console child processes.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process, pid int) {
	_ = p.Kill()
}
