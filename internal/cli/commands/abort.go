package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var abortCmd = &cobra.Command{
	Use:   "abort <name> --at <target>",
	Short: "Discard a branch's changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

var abortAt string

func init() {
	abortCmd.Flags().StringVar(&abortAt, "at", "", "mounted target directory (required)")
	abortCmd.MarkFlagRequired("at")
	rootCmd.AddCommand(abortCmd)
}

func runAbort(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(abortAt)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Abort(target, args[0])
	if err != nil {
		return fmt.Errorf("abort request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
