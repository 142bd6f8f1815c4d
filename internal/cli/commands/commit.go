package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var commitCmd = &cobra.Command{
	Use:   "commit <name> --at <target>",
	Short: "Commit a branch's changes into its parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommit,
}

var commitAt string

func init() {
	commitCmd.Flags().StringVar(&commitAt, "at", "", "mounted target directory (required)")
	commitCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(commitCmd)
}

func runCommit(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(commitAt)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Commit(target, args[0])
	if err != nil {
		return fmt.Errorf("commit request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
