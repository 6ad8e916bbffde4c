// Package state persists the cluster identity and build spec under the state
// directory and serializes concurrent invocations with an advisory lock.
package state

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// SuffixLength is the number of random characters appended to the name prefix.
	SuffixLength = 16
	// volumeSuffix names the volume backing the nested runtime's storage.
	volumeSuffix = "-docker-dir-volume"

	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Identity names the cluster container, its image tag and its storage volume.
type Identity string

func (id Identity) String() string { return string(id) }

// VolumeName returns the name of the volume backing the nested runtime's storage.
func (id Identity) VolumeName() string { return string(id) + volumeSuffix }

// IdentityStore reads and lazily creates the identity file.
type IdentityStore struct {
	path   string
	prefix string
}

// NewIdentityStore returns a store for the identity file at path. Generated
// identities are prefix followed by SuffixLength characters of [a-z0-9].
func NewIdentityStore(path, prefix string) *IdentityStore {
	return &IdentityStore{path: path, prefix: prefix}
}

// Path returns the identity file location.
func (s *IdentityStore) Path() string { return s.path }

// storedPattern matches identities generated under any dash-terminated prefix,
// so changing the configured prefix does not disown an existing cluster.
var storedPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*-[a-z0-9]{16}$`)

// Valid reports whether token is an identity generated by this store, or by a
// store whose prefix ended in '-'.
func (s *IdentityStore) Valid(token string) bool {
	if suffix, ok := strings.CutPrefix(token, s.prefix); ok && len(suffix) == SuffixLength && inAlphabet(suffix) {
		return true
	}
	return storedPattern.MatchString(token)
}

func inAlphabet(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// Load returns the persisted identity. It creates an empty identity file when
// the state directory exists but the file does not, and creates nothing when
// the state directory is missing.
func (s *IdentityStore) Load() (id Identity, err error) {
	if _, statErr := os.Stat(filepath.Dir(s.path)); errors.Is(statErr, fs.ErrNotExist) {
		return "", ErrIdentityNotFound
	}
	f, err := s.open()
	if err != nil {
		return "", err
	}
	defer closeFile(f, &err)

	token, err := s.readToken(f)
	if err != nil {
		return "", err
	}
	return s.check(token)
}

// Peek is Load without any filesystem side effects.
func (s *IdentityStore) Peek() (Identity, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrIdentityNotFound
	}
	if err != nil {
		return "", &StoreError{Op: "read", Path: s.path, Err: err}
	}
	token, _, _ := strings.Cut(string(data), "\n")
	return s.check(strings.TrimSpace(token))
}

// LoadOrCreate returns the persisted identity, generating and persisting a new
// one when the file is empty or malformed. The state directory must exist.
func (s *IdentityStore) LoadOrCreate() (id Identity, err error) {
	f, err := s.open()
	if err != nil {
		return "", err
	}
	defer closeFile(f, &err)

	token, err := s.readToken(f)
	if err != nil {
		return "", err
	}
	if token != "" && s.Valid(token) {
		return Identity(token), nil
	}

	id = s.generate()
	if err := rewrite(f, s.path, []byte(id.String()+"\n")); err != nil {
		return "", err
	}
	return id, nil
}

func (s *IdentityStore) open() (*os.File, error) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: s.path, Err: err}
	}
	return f, nil
}

func (s *IdentityStore) readToken(f *os.File) (string, error) {
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &StoreError{Op: "read", Path: s.path, Err: err}
	}
	return strings.TrimSpace(line), nil
}

func (s *IdentityStore) check(token string) (Identity, error) {
	if token == "" {
		return "", ErrIdentityNotFound
	}
	if !s.Valid(token) {
		return "", &InvalidIdentityError{Path: s.path, Value: token}
	}
	return Identity(token), nil
}

func (s *IdentityStore) generate() Identity {
	var b strings.Builder
	b.Grow(len(s.prefix) + SuffixLength)
	b.WriteString(s.prefix)
	for range SuffixLength {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return Identity(b.String())
}

// rewrite replaces the content of f and syncs it to disk.
func rewrite(f *os.File, path string, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return &StoreError{Op: "truncate", Path: path, Err: err}
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return &StoreError{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &StoreError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

func closeFile(f *os.File, errp *error) {
	if cerr := f.Close(); cerr != nil && *errp == nil {
		*errp = &StoreError{Op: "close", Path: f.Name(), Err: cerr}
	}
}
