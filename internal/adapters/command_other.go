//go:build !unix

package adapters

import "os/exec"

// killProcessGroup keeps the default exec.CommandContext behavior, which
// kills only the direct child.
func killProcessGroup(cmd *exec.Cmd) {}
