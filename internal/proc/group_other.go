//go:build !unix

package proc

import "os/exec"

// isolate keeps the exec.CommandContext default (kill the direct child) on
// platforms without process groups.
func isolate(_ *exec.Cmd) {}
