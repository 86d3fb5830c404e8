//go:build windows

package rdp

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// detach runs the client outside the daemon's console and process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
}
