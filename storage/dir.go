// Package storage manages the files the controller creates on disk: the
// browser profile directory and captured artifacts.
package storage

import (
	"fmt"

	"github.com/spf13/afero"
)

// Dir is a browser profile directory.
// A temporary one is created when none is provided, and only that one is
// removed by Cleanup.
type Dir struct {
	Dir    string
	Fs     afero.Fs
	remove bool
}

// Make creates a temporary directory under tmpDir when dir is empty.
// Otherwise it uses dir as is.
func (d *Dir) Make(tmpDir string, dir string) error {
	if dir != "" {
		d.Dir = dir
		return nil
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	var err error
	if d.Dir, err = afero.TempDir(d.Fs, tmpDir, "instrumented-chrome-"); err != nil {
		d.Dir = ""
		return fmt.Errorf("creating a temporary profile directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the directory if Make created it.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	d.remove = false
	if err := d.Fs.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing profile directory %q: %w", d.Dir, err)
	}
	return nil
}
