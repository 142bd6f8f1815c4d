package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/branch"
	"branchfs/internal/daemon"
)

var createCmd = &cobra.Command{
	Use:   "create <name> --at <target>",
	Short: "Create a new branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var (
	createAt     string
	createParent string
	createSwitch bool
)

func init() {
	createCmd.Flags().StringVar(&createAt, "at", "", "mounted target directory (required)")
	createCmd.Flags().StringVar(&createParent, "parent", branch.MainBranch, "parent branch")
	createCmd.Flags().BoolVarP(&createSwitch, "switch", "s", false, "switch the view to the new branch")
	createCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(createAt)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.CreateBranch(target, args[0], createParent, createSwitch)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
