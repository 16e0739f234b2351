//go:build !windows

// Detach and liveness-check helpers, adapted from the teacher's
// proxy/os_unix.go (isProcessRunningOS, terminateProcess) onto
// golang.org/x/sys/unix and repurposed for
// pizauth's PID-file side channel (spec.md §9's -d flag) instead of the
// teacher's proxy-port lock file.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// WritePIDFile records the daemon's PID at path with 0600 permissions.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads back a PID previously written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether pid names a live process, using the
// signal-0 probe the teacher's isProcessRunningOS performs.
func IsRunning(pid int) bool {
	return unix.Kill(pid, unix.Signal(0)) == nil
}

// Terminate sends SIGTERM to pid, mirroring the teacher's
// terminateProcess.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// Detach re-execs the current binary with the same arguments in a new
// session (Setsid), detaching it from the controlling terminal so
// `pizauth server -d` can return control to the shell. The child's
// stdio is redirected to /dev/null; all of its own diagnostics go
// through the structured logger, not the terminal.
func Detach(argv []string) (*os.Process, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("daemon: starting detached process: %w", err)
	}
	return cmd.Process, nil
}
