//go:build !windows

package supervisor

import "syscall"

// processGroupAttr places the child in its own process group so Teardown
// can kill the whole group (worker plus anything it forks) with one
// signal, following the teacher's exec_unix.go pattern.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group rooted at pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
