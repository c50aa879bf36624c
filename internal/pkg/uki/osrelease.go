// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package uki

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hashicorp/go-envparse"
)

// DefaultOSReleasePaths are the os-release(5) locations, in lookup order.
var DefaultOSReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

// OSRelease is the parsed os-release file embedded into the image.
type OSRelease struct {
	Path   string
	Fields map[string]string
}

// PrettyName returns PRETTY_NAME falling back to NAME and the default "Linux".
func (o *OSRelease) PrettyName() string {
	for _, key := range []string{"PRETTY_NAME", "NAME"} {
		if v := o.Fields[key]; v != "" {
			return v
		}
	}

	return "Linux"
}

// FindOSRelease parses the first existing os-release file from the candidates.
func FindOSRelease(candidates ...string) (*OSRelease, error) {
	for _, path := range candidates {
		osRelease, err := ReadOSRelease(path)
		if err == nil {
			return osRelease, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("no os-release file found in %q: %w", candidates, fs.ErrNotExist)
}

// ReadOSRelease parses the os-release file.
func ReadOSRelease(path string) (*OSRelease, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	fields, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}

	return &OSRelease{
		Path:   path,
		Fields: fields,
	}, nil
}
