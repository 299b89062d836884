package staging

import (
	"os"
	"path/filepath"

	"stagehand/pkg/errdefs"
)

// FindSolutionDir walks up from dir to the first directory containing a
// *.sln file.
func FindSolutionDir(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		if matches, _ := filepath.Glob(filepath.Join(dir, "*.sln")); len(matches) > 0 {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// FindHostConfig locates the host bindings document the IDE keeps for the
// solution containing sourceDir: <solution>/.vs/config/applicationhost.config.
func FindHostConfig(sourceDir string) (string, error) {
	solution, ok := FindSolutionDir(sourceDir)
	if !ok {
		return "", errdefs.New(errdefs.CodeMissingConfig, "no solution folder found above source directory").
			WithContext("source", sourceDir)
	}

	path := filepath.Join(solution, ".vs", "config", HostConfigFileName)
	if _, err := os.Stat(path); err != nil {
		return "", errdefs.Newf(errdefs.CodeMissingConfig, "%s not found", HostConfigFileName).
			WithContext("path", path).WithCause(err)
	}
	return path, nil
}
