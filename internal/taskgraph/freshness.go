package taskgraph

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spachava753/stagehand/internal/models"
)

// Stale reports whether t must run. depRan is true when any prerequisite was
// executed during the current invocation. The returned reason is meant for
// logs.
//
// A task is stale when it declares no targets, when a prerequisite ran, when
// any target is missing, or when any source is newer than the oldest target.
func Stale(t models.Task, depRan bool) (bool, string, error) {
	if len(t.Targets) == 0 {
		return true, "no targets", nil
	}
	if depRan {
		return true, "prerequisite ran", nil
	}

	var oldest time.Time
	for i, target := range t.Targets {
		info, err := os.Stat(resolve(t.Dir, target))
		if os.IsNotExist(err) {
			return true, "missing target " + target, nil
		}
		if err != nil {
			return false, "", fmt.Errorf("checking target %s: %w", target, err)
		}
		if i == 0 || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}

	for _, pattern := range t.Sources {
		matches, err := filepath.Glob(resolve(t.Dir, pattern))
		if err != nil {
			return false, "", models.Configf("", "task %q: bad source pattern %q: %v", t.Name, pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return false, "", fmt.Errorf("checking source %s: %w", m, err)
			}
			if info.ModTime().After(oldest) {
				return true, "source changed " + m, nil
			}
		}
	}
	return false, "", nil
}

func resolve(dir, p string) string {
	if dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
