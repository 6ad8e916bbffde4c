// Package env loads the dotenv-style file that seeds the cluster container's environment.
package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Vars represents a simple string-to-string map of variables.
type Vars map[string]string

// LoadEnvFile loads a single .env-style file into Vars.
func LoadEnvFile(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	envMap, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file %q: %w", path, err)
	}
	out := make(Vars, len(envMap))
	for k, v := range envMap {
		out[k] = v
	}
	return out, nil
}

// LoadOptional behaves like LoadEnvFile but returns empty Vars when the file does not exist.
func LoadOptional(path string) (Vars, error) {
	vars, err := LoadEnvFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Vars{}, nil
	}
	return vars, err
}

// Keys returns the variable names in lexical order.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pairs renders the variables as KEY=VALUE tokens ordered by key.
func (v Vars) Pairs() []string {
	out := make([]string, 0, len(v))
	for _, k := range v.Keys() {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, k+"="+v[k])
	}
	return out
}
