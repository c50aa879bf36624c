// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package platform maps the CPU architecture to the matching systemd-stub.
package platform

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedArch is returned for machines without a matching stub.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Arch is the EFI architecture suffix of the stub.
type Arch string

// Supported architectures.
const (
	X64  Arch = "x64"
	IA32 Arch = "ia32"
)

// Machine returns the machine hardware name, as reported by `uname -m`.
func Machine() (string, error) {
	var utsname unix.Utsname

	if err := unix.Uname(&utsname); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}

	return unix.ByteSliceToString(utsname.Machine[:]), nil
}

// ParseArch maps the machine name to the EFI architecture.
func ParseArch(machine string) (Arch, error) {
	switch machine {
	case "x86_64", "amd64", string(X64):
		return X64, nil
	case "i686", "i386", "386", string(IA32):
		return IA32, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, machine)
	}
}

// StubPath returns the path of the systemd-stub for the architecture.
func StubPath(stubDir string, arch Arch) string {
	return filepath.Join(stubDir, "linux"+string(arch)+".efi.stub")
}
