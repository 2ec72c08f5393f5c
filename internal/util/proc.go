package util

import (
	"os/exec"
	"syscall"
)

// OwnProcessGroup arranges for cmd to run in its own session, and therefore
// its own process group, so signals aimed at the parent never reach it. Must
// be called before cmd is started.
func OwnProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// KillProcessGroup delivers sig to every process in pid's group, falling
// back to the single process when the group cannot be resolved.
func KillProcessGroup(pid int, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pgid, sig)
}

// ProcessAlive reports whether a process with the given pid still exists.
func ProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
