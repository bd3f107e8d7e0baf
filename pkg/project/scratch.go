package project

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// tempDirName is the subdirectory of the system temp dir holding all scratch
// workspaces.
const tempDirName = "buildyard_build"

// Scratch is a uniquely-named temporary directory owned by exactly one
// build. It exists for the duration of the build body and is removed
// unconditionally afterwards.
type Scratch struct {
	path string
}

func NewScratch() (*Scratch, error) {
	path := filepath.Join(os.TempDir(), tempDirName, uuid.NewString())
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}
	return &Scratch{path: path}, nil
}

func (s *Scratch) Path() string { return s.path }

// Remove deletes the workspace. Safe to call more than once.
func (s *Scratch) Remove() {
	if err := os.RemoveAll(s.path); err != nil {
		logrus.Warnf("Failed to remove scratch directory %q: %v", s.path, err)
	}
}
