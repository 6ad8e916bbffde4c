package state

import (
	_ "embed"
	"io"
	"os"
)

//go:embed default.Dockerfile
var defaultBuildSpec string

// BuildSpec is the Dockerfile text fed to the runtime's build command.
type BuildSpec string

// DefaultBuildSpec returns the embedded Dockerfile written on first provision.
func DefaultBuildSpec() BuildSpec { return BuildSpec(defaultBuildSpec) }

// BuildSpecStore reads the persisted Dockerfile, writing the default when it is empty.
type BuildSpecStore struct {
	path string
}

// NewBuildSpecStore returns a store for the Dockerfile at path.
func NewBuildSpecStore(path string) *BuildSpecStore {
	return &BuildSpecStore{path: path}
}

// Path returns the build spec location.
func (s *BuildSpecStore) Path() string { return s.path }

// LoadOrCreate returns the on-disk build spec. Non-empty content is returned
// verbatim and never overwritten.
func (s *BuildSpecStore) LoadOrCreate() (spec BuildSpec, err error) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", &StoreError{Op: "open", Path: s.path, Err: err}
	}
	defer closeFile(f, &err)

	data, err := io.ReadAll(f)
	if err != nil {
		return "", &StoreError{Op: "read", Path: s.path, Err: err}
	}
	if len(data) > 0 {
		return BuildSpec(data), nil
	}

	if err := rewrite(f, s.path, []byte(defaultBuildSpec)); err != nil {
		return "", err
	}
	return DefaultBuildSpec(), nil
}
