//go:build !windows

package rdp

import (
	"os/exec"
	"syscall"
)

// detach puts the client in its own session so it survives the daemon and
// never receives its signals.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
