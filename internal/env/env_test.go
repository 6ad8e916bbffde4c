package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "container.env")
	content := "# proxy settings\nHTTP_PROXY=http://proxy:3128\nexport NO_PROXY=localhost,127.0.0.1\nGREETING=\"hello world\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vars, err := LoadEnvFile(path)
	require.NoError(t, err)

	assert.Equal(t, Vars{
		"HTTP_PROXY": "http://proxy:3128",
		"NO_PROXY":   "localhost,127.0.0.1",
		"GREETING":   "hello world",
	}, vars)
	assert.Equal(t, []string{
		"GREETING=hello world",
		"HTTP_PROXY=http://proxy:3128",
		"NO_PROXY=localhost,127.0.0.1",
	}, vars.Pairs())
}

func TestLoadOptionalMissingFile(t *testing.T) {
	t.Parallel()

	vars, err := LoadOptional(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Empty(t, vars)
	assert.Empty(t, vars.Pairs())
}

func TestLoadOptionalPropagatesOtherErrors(t *testing.T) {
	t.Parallel()

	// A directory cannot be parsed as an env file.
	_, err := LoadOptional(t.TempDir())
	require.Error(t, err)
}
