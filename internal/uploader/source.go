package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirSource resolves artifact ids to files in a flat capture directory. The
// id is reduced to its base name so a crafted id cannot escape the
// directory.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Load(_ context.Context, artifactID string) (*Artifact, error) {
	name := filepath.Base(artifactID)
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", artifactID, err)
	}

	return &Artifact{Filename: name, Data: data}, nil
}
