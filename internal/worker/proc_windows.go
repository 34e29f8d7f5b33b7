//go:build windows

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

func shellCommand(line string) *exec.Cmd {
	cmd := exec.Command("cmd")
	// cmd.exe does its own parsing; hand it the line untouched.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       "cmd /C " + line,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	return cmd
}

func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// IsAlive reports whether a process with the given PID can be opened.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
