// Package instancelock implements the per-repository instance lock
// described in spec §6: a second kagand process against the same
// canonical repo path is rejected until the lock holder exits.
package instancelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kagan-sh/kagan-core/internal/config"
)

// Info is the companion payload written alongside the lock file.
type Info struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	RepoPath string `json:"repo_path"`
}

// Lock guards a single canonical repository path for the lifetime of one
// kagand process.
type Lock struct {
	flock    *flock.Flock
	infoPath string
}

// Acquire resolves repoPath to its canonical (symlink-free) form and takes
// an exclusive, non-blocking lock on it. If another process already holds
// the lock, Acquire returns the existing holder's Info alongside an error.
func Acquire(repoPath string) (*Lock, error) {
	canonical, err := filepath.EvalSymlinks(repoPath)
	if err != nil {
		canonical = repoPath
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("instancelock: resolve abs path: %w", err)
	}

	lockPath := config.InstanceLockPath(canonical)
	infoPath := config.InstanceLockInfoPath(canonical)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("instancelock: create lock dir: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("instancelock: try lock: %w", err)
	}
	if !locked {
		holder, readErr := readInfo(infoPath)
		if readErr != nil {
			return nil, fmt.Errorf("repository %s is already locked by another kagan process", canonical)
		}
		return nil, fmt.Errorf("repository %s is already locked by pid %d on %s", canonical, holder.PID, holder.Hostname)
	}

	hostname, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: hostname, RepoPath: canonical}
	payload, err := json.Marshal(info)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("instancelock: marshal info: %w", err)
	}
	if err := os.WriteFile(infoPath, payload, 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("instancelock: write info: %w", err)
	}

	return &Lock{flock: fl, infoPath: infoPath}, nil
}

// Release drops the lock and removes the companion info file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	_ = os.Remove(l.infoPath)
	return l.flock.Unlock()
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
