// Package guestfs drives a libguestfs appliance via the guestfish CLI to
// attach an NBD-exported disk and mount its partitions read-only, exposing
// stat/read operations against the mounted guest filesystem.
//
// No pure-Go libguestfs binding exists for this project; like
// sandia-minimega-minimega's internal/nbd package drives qemu-nbd by
// shelling out to processWrapper, guestfs drives guestfish the same way.
package guestfs

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/zentarim/rtftp/internal/logger"
)

// ExternalDependencies lists the external binaries guestfs shells out to.
// A deployment missing any of these cannot attach NBD-backed sessions.
var ExternalDependencies = []string{
	"guestfish",
}

// CommandRunner is the process-execution seam GuestSession uses to drive
// the libguestfs appliance. It exists so tests can substitute a fake
// runner instead of actually launching guestfish.
type CommandRunner interface {
	// Run executes an external command to completion and returns its
	// combined stdout/stderr.
	Run(args ...string) (string, error)
}

// ExecRunner is the production CommandRunner: it shells out via os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("guestfs: empty argument list")
	}

	start := time.Now()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	logger.Debug("guestfs: command completed",
		"cmd", args[0], logger.KeyDurationMs, logger.Duration(start))

	return string(out), err
}
