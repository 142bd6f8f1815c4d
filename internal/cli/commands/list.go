package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var listCmd = &cobra.Command{
	Use:   "list --at <target>",
	Short: "List the branch tree for a mount",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var listAt string

func init() {
	listCmd.Flags().StringVar(&listAt, "at", "", "mounted target directory (required)")
	listCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(listAt)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.ListBranches(target)
	if err != nil {
		return fmt.Errorf("list request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	for _, e := range resp.Entries {
		if e.Parent == "" {
			fmt.Println(e.Name)
			continue
		}
		fmt.Printf("%s (parent: %s)\n", e.Name, e.Parent)
	}
	return nil
}
