package commands

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"branchfs/internal/daemon"
)

// StartDaemonIfNeeded launches the daemon as a detached background process
// if one isn't already listening, and waits briefly for it to come up.
func StartDaemonIfNeeded() error {
	if daemon.IsDaemonRunning() {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	bg := exec.Command(exe, "daemon", "start", "--foreground")
	bg.Env = os.Environ()
	bg.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := bg.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if daemon.IsDaemonRunning() {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start in time")
}
