//go:build (darwin && !ios) || linux

package fuzzexec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so a timeout kill
// can take out any children it spawned, not just the immediate process
// (spec.md section 4.2's "send SIGKILL to the process group").
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the negative pid, i.e. the whole group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// signalFromExitError extracts the fatal signal name, if the process was
// terminated by one, from a *exec.ExitError's underlying wait status.
func signalFromExitError(exitErr *exec.ExitError) string {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}

	sig := ws.Signal()
	if name, ok := signalNames[sig]; ok {
		return name
	}

	return sig.String()
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGFPE:  "SIGFPE",
}
