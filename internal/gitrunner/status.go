package gitrunner

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// kaganGeneratedPatterns are paths the status scan ignores even when
// tracked — config/state kagan itself writes into a repo, so edits to
// them never count as "uncommitted work" blocking a worktree operation.
// The original's git/operations.py imports this list from
// kagan.core.constants; mirrors spec §4.2/§6's canonical Kagan-generated
// pattern set — the same patterns §6 has .gitignore-augmentation add on
// project creation.
var kaganGeneratedPatterns = []string{
	".kagan/",
	".kagan.lock",
	".mcp.json",
	"opencode.json",
	"kagan*.json",
	"*kagan.json",
}

// HasTrackedUncommittedChanges parses `git status --porcelain` output per
// operations.py's has_tracked_uncommitted_changes: untracked ("??") and
// kagan-generated paths are ignored, everything else tracked counts.
func HasTrackedUncommittedChanges(statusOutput string) bool {
	if strings.TrimSpace(statusOutput) == "" {
		return false
	}

	for _, rawLine := range strings.Split(statusOutput, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		if line == "" {
			continue
		}
		if len(line) < 2 {
			continue
		}
		status := line[:2]
		if status == "??" {
			continue
		}
		pathSegment := ""
		if len(line) > 3 {
			pathSegment = line[3:]
		}
		for _, p := range extractStatusPaths(pathSegment) {
			if p != "" && !isKaganGeneratedPath(p) {
				return true
			}
		}
	}
	return false
}

func extractStatusPaths(pathSegment string) []string {
	if strings.Contains(pathSegment, " -> ") {
		parts := strings.SplitN(pathSegment, " -> ", 2)
		return []string{normalizeStatusPath(parts[0]), normalizeStatusPath(parts[1])}
	}
	return []string{normalizeStatusPath(pathSegment)}
}

func normalizeStatusPath(p string) string {
	normalized := strings.TrimSpace(p)
	if len(normalized) >= 2 && normalized[0] == '"' && normalized[len(normalized)-1] == '"' {
		return normalized[1 : len(normalized)-1]
	}
	return normalized
}

// EnsureGitignoreAugmented appends whichever of kaganGeneratedPatterns are
// missing from repoPath's .gitignore, per spec's "per-repo .gitignore
// augmentation ... on project creation". Returns whether the file changed,
// so callers can decide whether a commit is warranted.
func EnsureGitignoreAugmented(repoPath string) (bool, error) {
	gitignorePath := filepath.Join(repoPath, ".gitignore")
	existing, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	present := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, pattern := range kaganGeneratedPatterns {
		if !present[pattern] {
			missing = append(missing, pattern)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	content := string(existing)
	addition := "\n# Kagan-generated files\n" + strings.Join(missing, "\n") + "\n"
	if content != "" && !strings.HasSuffix(content, "\n") {
		addition = "\n" + addition
	}
	if err := os.WriteFile(gitignorePath, []byte(content+addition), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func isKaganGeneratedPath(p string) bool {
	normalized := strings.TrimPrefix(strings.TrimSpace(p), "./")
	for _, pattern := range kaganGeneratedPatterns {
		if strings.HasSuffix(pattern, "/") {
			prefix := strings.TrimSuffix(pattern, "/")
			if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, normalized); ok {
			return true
		}
	}
	return false
}
