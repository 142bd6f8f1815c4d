package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <target>",
	Aliases: []string{"umount"},
	Short:   "Unmount a target directory",
	Args:    cobra.ExactArgs(1),
	RunE:    runUnmount,
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		return fmt.Errorf("daemon is not running")
	}
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Unmount(target)
	if err != nil {
		return fmt.Errorf("unmount request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
