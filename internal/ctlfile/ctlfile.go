// Package ctlfile implements the `.branchfs_ctl` control-file protocol
// (§4.6): parsing write commands and rendering the read-side status
// document.
package ctlfile

import (
	"strings"

	"gopkg.in/yaml.v3"

	"branchfs/internal/brancherr"
	"branchfs/internal/branch"
)

// CommandKind enumerates the accepted control-file write commands.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandCommit
	CommandAbort
	CommandSwitch
)

// Command is a parsed control-file write.
type Command struct {
	Kind       CommandKind
	SwitchName string // set only when Kind == CommandSwitch
}

// Parse decodes one control-file write. A trailing newline is tolerated;
// commands are case-sensitive (§4.6).
func Parse(data []byte) (Command, error) {
	line := strings.TrimSuffix(string(data), "\n")
	switch {
	case line == "commit":
		return Command{Kind: CommandCommit}, nil
	case line == "abort":
		return Command{Kind: CommandAbort}, nil
	case strings.HasPrefix(line, "switch:"):
		name := strings.TrimPrefix(line, "switch:")
		if name == "" {
			return Command{}, brancherr.ErrProtocol
		}
		return Command{Kind: CommandSwitch, SwitchName: name}, nil
	default:
		return Command{}, brancherr.ErrProtocol
	}
}

// Ops is the narrow set of mount operations the control file drives.
type Ops interface {
	Commit(branchName string) error
	Abort(branchName string) error
	Switch(name string) error
}

// Execute runs cmd against target (the branch this particular ctl-file
// instance is bound to: the mount's current view for the mount-root
// ctl-file, or a specific branch for a `@branch` ctl-file). switch: is only
// accepted when atMountRoot is true (§4.6).
func Execute(cmd Command, target string, atMountRoot bool, ops Ops) error {
	switch cmd.Kind {
	case CommandCommit:
		return ops.Commit(target)
	case CommandAbort:
		return ops.Abort(target)
	case CommandSwitch:
		if !atMountRoot {
			return brancherr.ErrProtocol
		}
		return ops.Switch(cmd.SwitchName)
	default:
		return brancherr.ErrProtocol
	}
}

// StatusDoc is the read-side status document (§4.6 "Reads from
// .branchfs_ctl return a short status document").
type StatusDoc struct {
	ViewBranch string      `yaml:"view_branch"`
	Epoch      uint64      `yaml:"epoch"`
	Branches   []TreeEntry `yaml:"branches"`
}

// TreeEntry mirrors branch.Entry for YAML rendering.
type TreeEntry struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent,omitempty"`
}

// Render produces the YAML status document body for a read of
// `.branchfs_ctl`.
func Render(view string, epoch uint64, tree []branch.Entry) ([]byte, error) {
	doc := StatusDoc{ViewBranch: view, Epoch: epoch}
	for _, e := range tree {
		doc.Branches = append(doc.Branches, TreeEntry{Name: e.Name, Parent: e.Parent})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, brancherr.ErrIO
	}
	return out, nil
}
