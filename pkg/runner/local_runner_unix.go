//go:build darwin || freebsd || linux

package runner

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttrNewProcessGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// killProcessGroup signals the process group led by pid. With Setsid
// the child's pid doubles as its process group id. SIGINT gives the
// process a chance to exit cleanly; SIGKILL follows after the grace
// period.
func killProcessGroup(pid int, force bool) {
	signal := unix.SIGINT
	if force {
		signal = unix.SIGKILL
	}
	unix.Kill(-pid, signal)
}
