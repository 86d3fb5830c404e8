//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr places the child in its own process group so a kill can
// reach helpers it forks.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks the process to shut down gracefully.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

// kill forcefully ends the process group, falling back to the process
// itself.
func kill(p *os.Process, pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		_ = p.Kill()
	}
}
