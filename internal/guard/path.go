// Package guard validates project paths supplied with a task before they
// are ever handed to a runner, since the runner executes arbitrary tool
// calls rooted at that path.
package guard

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxPathLength = 500

// forbiddenPrefixes are resolved, absolute path prefixes a project path may
// never fall under. /root is forbidden except for the /root/projects
// workspace the daemon itself manages tasks under.
var forbiddenPrefixes = []string{
	"/etc",
	"/var/log",
	"/proc",
	"/sys",
}

const rootException = "/root/projects"

// ProjectPath validates a user-supplied project path. An empty path is
// valid (it means no project directory is associated with the task).
func ProjectPath(path string) error {
	if path == "" {
		return nil
	}
	if len(path) > maxPathLength {
		return fmt.Errorf("guard: project path exceeds %d characters", maxPathLength)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("guard: project path must not contain '..'")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("guard: project path must be absolute")
	}

	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "/root") && !strings.HasPrefix(clean, rootException) {
		return fmt.Errorf("guard: project path %q falls under forbidden /root", path)
	}
	for _, prefix := range forbiddenPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return fmt.Errorf("guard: project path %q falls under forbidden prefix %q", path, prefix)
		}
	}
	return nil
}
