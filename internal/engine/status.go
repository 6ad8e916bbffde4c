package engine

import (
	"context"
	"errors"

	"github.com/k3scontainer/k3scontainer/internal/state"
)

// Report is the read-only view rendered by the status command.
type Report struct {
	Identity string `yaml:"identity,omitempty"`
	// State is a Phase string, or "not-provisioned" when no identity exists.
	State string `yaml:"state"`
	// Status is the runtime's state string for a stopped container.
	Status    string `yaml:"status,omitempty"`
	Container string `yaml:"container,omitempty"`
	Image     string `yaml:"image,omitempty"`
	Volume    string `yaml:"volume,omitempty"`
	WorkDir   string `yaml:"workDir"`
	StateDir  string `yaml:"stateDir"`
	Runtime   string `yaml:"runtime"`
}

// NotProvisioned is the Report.State value when no identity has been persisted.
const NotProvisioned = "not-provisioned"

// Status reports the cluster state without creating or changing anything.
func (e *Engine) Status(ctx context.Context) (Report, error) {
	report := Report{
		State:    NotProvisioned,
		WorkDir:  e.cfg.WorkDir,
		StateDir: e.cfg.StateDir,
		Runtime:  e.cfg.Runtime,
	}

	id, err := e.identities.Peek()
	if errors.Is(err, state.ErrIdentityNotFound) {
		return report, nil
	}
	if err != nil {
		return report, &IdentityError{Err: err}
	}

	report.Identity = id.String()
	report.Container = id.String()
	report.Image = id.String()
	report.Volume = id.VolumeName()

	st, err := e.Probe(ctx, id)
	if err != nil {
		return report, err
	}
	report.State = st.Phase.String()
	report.Status = st.Status
	return report, nil
}
