// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package uki

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Scratch holds the temporary files shared by all builds of a run.
//
// Files are overwritten by every build, so builds using the same Scratch must not run concurrently.
type Scratch struct {
	dir string
}

// NewScratch creates the scratch directory.
func NewScratch() (*Scratch, error) {
	dir, err := os.MkdirTemp("", "sbupdate")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory path.
func (s *Scratch) Dir() string {
	return s.dir
}

// WriteCmdline stores the cmdline blob and returns its path.
func (s *Scratch) WriteCmdline(cmdline string) (string, error) {
	path := filepath.Join(s.dir, "cmdline")

	if err := os.WriteFile(path, []byte(cmdline), 0o600); err != nil {
		return "", err
	}

	return path, nil
}

// JoinInitrd concatenates the images in order and returns the path of the result.
func (s *Scratch) JoinInitrd(paths ...string) (string, error) {
	path := filepath.Join(s.dir, "initrd")

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	defer out.Close() //nolint:errcheck

	for _, p := range paths {
		if err = appendFile(out, p); err != nil {
			return "", err
		}
	}

	return path, out.Close()
}

// Close removes the scratch files.
func (s *Scratch) Close() error {
	return os.RemoveAll(s.dir)
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	if _, err = io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to append %q: %w", path, err)
	}

	return nil
}
