// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pe_test

import (
	"context"
	stdpe "debug/pe"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/sbupdate/internal/pkg/uki/internal/pe"
)

func TestObjcopyArgs(t *testing.T) {
	t.Parallel()

	args := pe.ObjcopyArgs("stub.efi", "out.efi", []pe.Section{
		{Name: ".osrel", Path: "/tmp/os-release", VMA: 0x20000},
		{Name: ".linux", Path: "/boot/vmlinuz-linux", VMA: 0x2000000},
	})

	assert.Equal(t, []string{
		"--add-section", ".osrel=/tmp/os-release",
		"--change-section-vma", ".osrel=0x20000",
		"--add-section", ".linux=/boot/vmlinuz-linux",
		"--change-section-vma", ".linux=0x2000000",
		"stub.efi", "out.efi",
	}, args)
}

func TestAssembleObjcopyBadStub(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	stubPath := filepath.Join(tmpDir, "stub.efi")
	require.NoError(t, os.WriteFile(stubPath, []byte("not a PE file"), 0o644))

	err := pe.AssembleObjcopy(context.Background(), stubPath, filepath.Join(tmpDir, "out.efi"), nil)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(tmpDir, "out.efi"))
}

func TestAssembleObjcopyNoVMA(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	sbatPath := filepath.Join(tmpDir, "sbat")
	require.NoError(t, os.WriteFile(sbatPath, []byte("sbat,1"), 0o644))

	err := pe.AssembleObjcopy(context.Background(), filepath.Join(tmpDir, "stub.efi"), filepath.Join(tmpDir, "out.efi"), []pe.Section{
		{Name: ".sbat", Path: sbatPath},
	})
	require.ErrorIs(t, err, pe.ErrNoVMA)

	assert.NoFileExists(t, filepath.Join(tmpDir, "out.efi"))
}

func TestAssembleObjcopy(t *testing.T) {
	if _, err := exec.LookPath("objcopy"); err != nil {
		t.Skip("missing tool: objcopy")
	}

	const stubPath = "/usr/lib/systemd/boot/efi/linuxx64.efi.stub"

	if _, err := os.Stat(stubPath); err != nil {
		t.Skipf("missing stub: %s", stubPath)
	}

	tmpDir := t.TempDir()

	cmdlinePath := filepath.Join(tmpDir, "cmdline")
	require.NoError(t, os.WriteFile(cmdlinePath, []byte("root=/dev/sda2 rw"), 0o600))

	outPath := filepath.Join(tmpDir, "out.efi")

	require.NoError(t, pe.AssembleObjcopy(context.Background(), stubPath, outPath, []pe.Section{
		{Name: ".cmdline", Path: cmdlinePath, VMA: 0x30000},
	}))

	peFile, err := stdpe.Open(outPath)
	require.NoError(t, err)

	t.Cleanup(func() { peFile.Close() }) //nolint:errcheck

	section := peFile.Section(".cmdline")
	require.NotNil(t, section)

	data, err := section.Data()
	require.NoError(t, err)

	assert.Equal(t, "root=/dev/sda2 rw", string(data[:section.VirtualSize]))
}
