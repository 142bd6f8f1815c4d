package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var switchCmd = &cobra.Command{
	Use:   "switch <name> --at <target>",
	Short: "Switch a mount's current view to a branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

var switchAt string

func init() {
	switchCmd.Flags().StringVar(&switchAt, "at", "", "mounted target directory (required)")
	switchCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(switchCmd)
}

func runSwitch(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(switchAt)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Switch(target, args[0])
	if err != nil {
		return fmt.Errorf("switch request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
