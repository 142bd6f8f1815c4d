package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount <target> -b <base-path>",
	Short: "Mount a base directory with a branch overlay",
	Long: `Mounts basePath at target with the branch overlay presented on top.

The daemon is started automatically if it isn't already running.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var mountLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active mounts",
	Args:  cobra.NoArgs,
	RunE:  runMountLs,
}

var mountBasePath string

func init() {
	mountCmd.Flags().StringVarP(&mountBasePath, "base", "b", "", "path to the base directory (required)")
	mountCmd.MarkFlagRequired("base")
	mountCmd.AddCommand(mountLsCmd)
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	base, err := filepath.Abs(mountBasePath)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("base path not found: %s", base)
	}

	if info, err := os.Lstat(target); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("target exists and is not a directory: %s", target)
		}
	} else if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Mount(base, target)
	if err != nil {
		return fmt.Errorf("mount request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}

func runMountLs(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("no active mounts (daemon not running)")
		return nil
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.ListMounts()
	if err != nil {
		return fmt.Errorf("failed to list mounts: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	if len(resp.Mounts) == 0 {
		fmt.Println("no active mounts")
		return nil
	}
	for _, m := range resp.Mounts {
		fmt.Printf("  %s -> %s [view=%s, epoch=%d]\n", m.BasePath, m.Target, m.View, m.Epoch)
	}
	return nil
}
