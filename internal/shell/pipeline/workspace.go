package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace is the per-run scratch directory holding the downloaded
// artifact, sample files, and the bundle zip while it is assembled.
type workspace struct {
	dir string
}

func newWorkspace(baseDir string) (*workspace, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(baseDir, "packcheck-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

// Path joins name onto the workspace directory. Only the base name is
// used so object keys with prefixes cannot escape the workspace.
func (w *workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

func (w *workspace) Cleanup() error {
	return os.RemoveAll(w.dir)
}
