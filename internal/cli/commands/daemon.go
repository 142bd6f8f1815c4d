package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var (
	daemonForeground bool
	daemonLogLevel   string
)

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "run in the foreground")
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "log level: trace, debug, info, warn, none")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("daemon already running (PID %d)\n", pid)
		return nil
	}

	if daemonForeground {
		d := daemon.New()
		d.LogLevel = daemonLogLevel
		return d.Run()
	}

	if err := StartDaemonIfNeeded(); err != nil {
		return err
	}
	pid, _ := daemon.GetPID()
	fmt.Printf("daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("daemon not running")
		return nil
	}

	pid, _ := daemon.GetPID()
	client, err := daemon.Connect()
	if err != nil {
		fmt.Println("warning: could not connect to daemon")
		return nil
	}
	resp, err := client.Stop()
	client.Close()
	if err != nil {
		return fmt.Errorf("stop request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && daemon.IsDaemonRunning() {
		time.Sleep(25 * time.Millisecond)
	}
	if daemon.IsDaemonRunning() {
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Signal(syscall.SIGKILL)
		}
	}

	fmt.Println("daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("daemon: not running")
	}
	return nil
}
