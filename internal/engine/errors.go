package engine

import (
	"errors"
	"fmt"

	"github.com/k3scontainer/k3scontainer/internal/state"
)

// ErrNotProvisioned reports that no identity has been persisted for the working directory.
var ErrNotProvisioned = errors.New("cluster has not been provisioned")

// CreateDirError reports that a state directory could not be created.
type CreateDirError struct {
	Path string
	Err  error
}

func (e *CreateDirError) Error() string {
	return fmt.Sprintf("create directory %s: %v", e.Path, e.Err)
}

func (e *CreateDirError) Unwrap() error { return e.Err }

// IdentityError reports that the cluster identity could not be resolved.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("resolve cluster identity: %v", e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// BuildSpecError reports that the build spec could not be read or written.
type BuildSpecError struct {
	Err error
}

func (e *BuildSpecError) Error() string {
	return fmt.Sprintf("resolve build spec: %v", e.Err)
}

func (e *BuildSpecError) Unwrap() error { return e.Err }

// LockError reports that the state directory lock could not be taken.
type LockError struct {
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock state directory: %v", e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Step names used in StepError.
const (
	StepProbe           = "probe"
	StepLoadEnv         = "load container env"
	StepBuildImage      = "build image"
	StepCreateVolume    = "create volume"
	StepRunContainer    = "start container"
	StepRemoveContainer = "remove container"
	StepRemoveVolume    = "remove volume"
	StepRemoveImage     = "remove image"
)

// StepError reports the orchestration step that failed. Err is usually a
// *proc.SpawnError, *proc.ExitError or *proc.TimeoutError.
type StepError struct {
	Step     string
	Identity state.Identity
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.Identity, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NotRunningError reports that the cluster container is not in the running state.
type NotRunningError struct {
	Identity state.Identity
	// Status is the runtime's state string, empty when the container does not exist.
	Status string
}

func (e *NotRunningError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("container %s does not exist", e.Identity)
	}
	return fmt.Sprintf("container %s exists but is not running (status %q)", e.Identity, e.Status)
}

// IsNotRunningError reports whether err is, or wraps, a NotRunningError.
func IsNotRunningError(err error) bool {
	var target *NotRunningError
	return errors.As(err, &target)
}
