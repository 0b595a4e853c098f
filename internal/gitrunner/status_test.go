package gitrunner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasTrackedUncommittedChanges_IgnoresKaganGeneratedPaths(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   bool
	}{
		{"empty", "", false},
		{"untracked only", "?? newfile.txt\n", false},
		{"kagan session dir", " M .kagan/session.json\n", false},
		{"kagan lockfile", " M .kagan.lock\n", false},
		{"mcp config", " M .mcp.json\n", false},
		{"opencode config", " M opencode.json\n", false},
		{"kagan-prefixed json", " M kagan-local.json\n", false},
		{"kagan-suffixed json", " M my-kagan.json\n", false},
		{"tracked source file", " M main.go\n", true},
		{"mixed: generated and real", " M .mcp.json\n M main.go\n", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasTrackedUncommittedChanges(tc.status))
		})
	}
}

func TestEnsureGitignoreAugmented_AddsMissingPatternsOnce(t *testing.T) {
	dir := t.TempDir()

	changed, err := EnsureGitignoreAugmented(dir)
	require.NoError(t, err)
	assert.True(t, changed)

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	for _, pattern := range kaganGeneratedPatterns {
		assert.Contains(t, string(content), pattern)
	}

	changed, err = EnsureGitignoreAugmented(dir)
	require.NoError(t, err)
	assert.False(t, changed, "a second call with nothing missing must be a no-op")
}

func TestEnsureGitignoreAugmented_PreservesExistingContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules/\n"), 0o644))

	changed, err := EnsureGitignoreAugmented(dir)
	require.NoError(t, err)
	assert.True(t, changed)

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "node_modules/")
	assert.Contains(t, string(content), ".kagan/")
}
