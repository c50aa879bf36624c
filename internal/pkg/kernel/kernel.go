// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package kernel describes installed kernels and the conventional paths derived from their versions.
package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Conventional file name parts.
const (
	ImagePrefix     = "vmlinuz-"
	InitramfsPrefix = "initramfs-"
	InitramfsSuffix = ".img"
	SignedSuffix    = "-signed.efi"
	BackupSuffix    = ".bak"
)

// Version identifies one installed kernel, it is the suffix of the kernel image file name.
//
// Version is opaque: `linux`, `linux-lts` and `6.6.1-arch1-1` are all valid versions.
type Version string

// String implements fmt.Stringer.
func (v Version) String() string {
	return string(v)
}

// ImagePath returns the path of the kernel image for the version.
func ImagePath(bootDir string, v Version) string {
	return filepath.Join(bootDir, ImagePrefix+string(v))
}

// InitramfsPath returns the conventional initramfs path for the version.
func InitramfsPath(bootDir string, v Version) string {
	return filepath.Join(bootDir, InitramfsPrefix+string(v)+InitramfsSuffix)
}

// OutputName returns the file name of the signed image built for the version.
func OutputName(v Version) string {
	return string(v) + SignedSuffix
}

// BackupPath returns the path the previous output is rotated to.
func BackupPath(outputPath string) string {
	return outputPath + BackupSuffix
}

// Exists checks whether the kernel image for the version is present in bootDir.
func Exists(bootDir string, v Version) bool {
	st, err := os.Stat(ImagePath(bootDir, v))

	return err == nil && st.Mode().IsRegular()
}

// Installed returns the sorted list of kernel versions which have an image in bootDir.
func Installed(bootDir string) ([]Version, error) {
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list kernels in %q: %w", bootDir, err)
	}

	var versions []Version

	for _, entry := range entries {
		name := entry.Name()

		if !strings.HasPrefix(name, ImagePrefix) || len(name) == len(ImagePrefix) {
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		versions = append(versions, Version(strings.TrimPrefix(name, ImagePrefix)))
	}

	slices.Sort(versions)

	return versions, nil
}
