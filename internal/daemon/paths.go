package daemon

import (
	"os"
	"path/filepath"
)

// configDir returns the daemon's configuration/state directory. Uses
// BRANCHFS_CONFIG_DIR when set (test isolation), else ~/.branchfs.
func configDir() string {
	if dir := os.Getenv("BRANCHFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".branchfs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string { return configDir() }

// StorageDir returns the root under which every mount's per-mount state
// (branches/, meta) lives (§6 on-disk layout).
func StorageDir() string { return filepath.Join(configDir(), "storage") }

// SocketPath returns the daemon's admin IPC socket path.
func SocketPath() string { return filepath.Join(configDir(), "daemon.sock") }

// PidPath returns the daemon PID file path.
func PidPath() string { return filepath.Join(configDir(), "daemon.pid") }

// LockPath returns the single-instance advisory lock file path.
func LockPath() string { return filepath.Join(configDir(), "daemon.lock") }

// LogPath returns the daemon log file path.
func LogPath() string {
	if p := os.Getenv("BRANCHFS_DAEMON_LOG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "daemon.log")
}

// EnsureConfigDir creates the configuration and storage directories.
func EnsureConfigDir() error {
	if err := os.MkdirAll(configDir(), 0o700); err != nil {
		return err
	}
	return os.MkdirAll(StorageDir(), 0o700)
}
