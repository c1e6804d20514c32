//go:build !((darwin && !ios) || linux)

package fuzzexec

import "os/exec"

// setProcessGroup is a no-op outside darwin/linux; process-group SIGKILL
// is a best-effort capability, not a contract the executor guarantees on
// every platform.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup falls back to killing just the direct child process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func signalFromExitError(exitErr *exec.ExitError) string { return "" }
