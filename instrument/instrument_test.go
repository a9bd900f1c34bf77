package instrument

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireGo skips tests that load packages through the go command.
func requireGo(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("loads packages with the go command")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go command not available")
	}
}

func TestRun(t *testing.T) {
	requireGo(t)
	fs := afero.NewMemMapFs()

	res, err := Run(context.Background(), Options{
		Patterns: []string{"github.com/bradleyjkemp/fuzzexec/fault"},
		OutDir:   "/out",
		Fs:       fs,
	})
	require.NoError(t, err)
	assert.Equal(t, "/out/overlay.json", res.Overlay)
	assert.Empty(t, res.Harness)
	assert.Empty(t, res.FuzzFuncs)
	assert.Positive(t, res.Files)
	assert.Positive(t, res.Points)

	data, err := afero.ReadFile(fs, res.Overlay)
	require.NoError(t, err)
	var overlay overlayJSON
	require.NoError(t, json.Unmarshal(data, &overlay))
	require.Len(t, overlay.Replace, res.Files)

	for orig, out := range overlay.Replace {
		assert.Equal(t, filepath.Base(orig), filepath.Base(out))
		assert.True(t, strings.HasPrefix(out, "/out/github.com/bradleyjkemp/fuzzexec/fault/"), out)
		src, err := afero.ReadFile(fs, out)
		require.NoError(t, err)
		assert.Contains(t, string(src), depName+".Hit(")
	}
}

func TestRun_BridgeIsNeverInstrumented(t *testing.T) {
	requireGo(t)

	_, err := Run(context.Background(), Options{
		Patterns: []string{"github.com/bradleyjkemp/fuzzexec/coverage"},
		OutDir:   "/out",
		Fs:       afero.NewMemMapFs(),
	})
	assert.ErrorIs(t, err, ErrNothing)

	_, err = Run(context.Background(), Options{
		Patterns: []string{"github.com/bradleyjkemp/fuzzexec/fault"},
		Preserve: []string{"github.com/bradleyjkemp/fuzzexec/fault"},
		OutDir:   "/out",
		Fs:       afero.NewMemMapFs(),
	})
	assert.ErrorIs(t, err, ErrNothing)
}

// Packages from the module cache are left alone, so the overlay builds even
// when the targets import third-party modules.
func TestRun_OverlayBuilds(t *testing.T) {
	requireGo(t)
	root, err := filepath.Abs("..")
	require.NoError(t, err)
	pkgs := []string{
		"github.com/bradleyjkemp/fuzzexec/fault",
		"github.com/bradleyjkemp/fuzzexec/config",
	}

	res, err := Run(context.Background(), Options{
		Patterns: pkgs,
		OutDir:   t.TempDir(),
		Fs:       afero.NewOsFs(),
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(afero.NewOsFs(), res.Overlay)
	require.NoError(t, err)
	var overlay overlayJSON
	require.NoError(t, json.Unmarshal(data, &overlay))
	for orig := range overlay.Replace {
		assert.True(t, strings.HasPrefix(orig, root+string(filepath.Separator)), "%s is outside the main module", orig)
	}

	build := exec.Command("go", append([]string{"build", "-overlay=" + res.Overlay}, pkgs...)...)
	build.Dir = root
	out, err := build.CombinedOutput()
	require.NoError(t, err, "go build failed:\n%s", out)
}

func TestRun_ReadOnlyDep(t *testing.T) {
	requireGo(t)

	_, err := Run(context.Background(), Options{
		Patterns: []string{"github.com/bradleyjkemp/fuzzexec/config"},
		Deps:     []string{"gopkg.in/yaml.v3"},
		OutDir:   "/out",
		Fs:       afero.NewMemMapFs(),
	})
	assert.ErrorIs(t, err, ErrReadOnlyDep)
	assert.ErrorContains(t, err, "gopkg.in/yaml.v3")
}

func TestMatchesAny(t *testing.T) {
	prefixes := []string{"example.com/a", " example.com/b/... ", ""}
	assert.True(t, matchesAny("example.com/a", prefixes))
	assert.True(t, matchesAny("example.com/a/sub", prefixes))
	assert.True(t, matchesAny("example.com/b/c", prefixes))
	assert.False(t, matchesAny("example.com/ab", prefixes))
	assert.False(t, matchesAny("example.com/c", prefixes))
	assert.False(t, matchesAny("example.com/c", nil))
}

func TestRun_NoPatterns(t *testing.T) {
	_, err := Run(context.Background(), Options{OutDir: "/out"})
	assert.EqualError(t, err, "no packages given")
}
