// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package uki_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/sbupdate/internal/pkg/secureboot"
	"github.com/siderolabs/sbupdate/internal/pkg/uki"
)

// captureEmbedder records section contents at embedding time, scratch files are reused afterwards.
type captureEmbedder struct {
	contents map[secureboot.Section][]byte
	paths    map[secureboot.Section]string
	order    []secureboot.Section
	err      error
}

func (e *captureEmbedder) Embed(_ context.Context, stubPath, outPath string, sections []uki.Section) error {
	if e.err != nil {
		return e.err
	}

	e.contents = map[secureboot.Section][]byte{}
	e.paths = map[secureboot.Section]string{}
	e.order = nil

	for _, section := range sections {
		data, err := os.ReadFile(section.Path)
		if err != nil {
			return err
		}

		e.contents[section.Name] = data
		e.paths[section.Name] = section.Path
		e.order = append(e.order, section.Name)
	}

	stub, err := os.ReadFile(stubPath)
	if err != nil {
		return err
	}

	return os.WriteFile(outPath, stub, 0o600)
}

type fixture struct {
	dir string

	stub, osRelease, splash, kernel, initrd, ucode string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dir := t.TempDir()

	f := fixture{
		dir:       dir,
		stub:      filepath.Join(dir, "linuxx64.efi.stub"),
		osRelease: filepath.Join(dir, "os-release"),
		splash:    filepath.Join(dir, "splash.bmp"),
		kernel:    filepath.Join(dir, "vmlinuz-linux"),
		initrd:    filepath.Join(dir, "initramfs-linux.img"),
		ucode:     filepath.Join(dir, "intel-ucode.img"),
	}

	for path, contents := range map[string]string{
		f.stub:      "MZstub",
		f.osRelease: "NAME=\"Arch Linux\"\nPRETTY_NAME=\"Arch Linux\"\n",
		f.splash:    "BMsplash",
		f.kernel:    "kernel",
		f.initrd:    "07070100initrd",
		f.ucode:     "07070100ucode",
	} {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}

	return f
}

func (f fixture) builder(t *testing.T, embedder uki.Embedder) *uki.Builder {
	t.Helper()

	scratch, err := uki.NewScratch()
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, scratch.Close()) })

	return &uki.Builder{
		Version:       "linux",
		StubPath:      f.stub,
		OSReleasePath: f.osRelease,
		SplashPath:    f.splash,
		KernelPath:    f.kernel,
		InitrdPath:    f.initrd,
		Cmdline:       "root=/dev/sda2 rw quiet",
		OutPath:       filepath.Join(f.dir, "linux-signed.efi"),
		Scratch:       scratch,
		Embedder:      embedder,
		Logger:        zaptest.NewLogger(t),
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	embedder := &captureEmbedder{}
	builder := f.builder(t, embedder)

	require.NoError(t, builder.Build(context.Background()))

	assert.Equal(t, secureboot.OrderedSections(), embedder.order)

	// cmdline is embedded byte for byte, without a trailing newline
	assert.Equal(t, []byte("root=/dev/sda2 rw quiet"), embedder.contents[secureboot.CMDLine])
	assert.Equal(t, []byte("kernel"), embedder.contents[secureboot.Linux])
	assert.Equal(t, []byte("BMsplash"), embedder.contents[secureboot.Splash])

	// without prepend images the initrd is used unmodified
	assert.Equal(t, f.initrd, embedder.paths[secureboot.Initrd])
	assert.Equal(t, []byte("07070100initrd"), embedder.contents[secureboot.Initrd])

	assert.FileExists(t, builder.OutPath)
}

func TestBuildPrepend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	amdUcode := filepath.Join(f.dir, "amd-ucode.img")
	require.NoError(t, os.WriteFile(amdUcode, []byte("amd"), 0o644))

	embedder := &captureEmbedder{}
	builder := f.builder(t, embedder)
	builder.PrependPaths = []string{f.ucode, amdUcode}

	require.NoError(t, builder.Build(context.Background()))

	assert.Equal(t, []byte("07070100ucodeamd07070100initrd"), embedder.contents[secureboot.Initrd])
	assert.NotEqual(t, f.initrd, embedder.paths[secureboot.Initrd])

	// the source initrd is left untouched
	initrd, err := os.ReadFile(f.initrd)
	require.NoError(t, err)
	assert.Equal(t, []byte("07070100initrd"), initrd)
}

func TestBuildScratchReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	embedder := &captureEmbedder{}
	builder := f.builder(t, embedder)
	builder.PrependPaths = []string{f.ucode}
	builder.Cmdline = "root=/dev/sda2 rw quiet splash loglevel=3"

	require.NoError(t, builder.Build(context.Background()))

	// a shorter cmdline and initrd must not keep bytes from the previous build
	builder.Cmdline = "root=/dev/sda2"
	builder.PrependPaths = nil

	require.NoError(t, builder.Build(context.Background()))

	assert.Equal(t, []byte("root=/dev/sda2"), embedder.contents[secureboot.CMDLine])
	assert.Equal(t, []byte("07070100initrd"), embedder.contents[secureboot.Initrd])
	assert.Len(t, builder.Sections(), 5)
}

func TestBuildNoSplash(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	embedder := &captureEmbedder{}
	builder := f.builder(t, embedder)
	builder.SplashPath = ""

	require.NoError(t, builder.Build(context.Background()))

	assert.NotContains(t, embedder.order, secureboot.Splash)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		mutate func(f fixture, b *uki.Builder)

		expected string
	}{
		{
			name:     "missing kernel",
			mutate:   func(f fixture, b *uki.Builder) { b.KernelPath = filepath.Join(f.dir, "vmlinuz-missing") },
			expected: "kernel image",
		},
		{
			name:     "missing initrd",
			mutate:   func(f fixture, b *uki.Builder) { b.InitrdPath = filepath.Join(f.dir, "initramfs-missing.img") },
			expected: "initrd",
		},
		{
			name:     "missing splash",
			mutate:   func(f fixture, b *uki.Builder) { b.SplashPath = filepath.Join(f.dir, "missing.bmp") },
			expected: "splash image",
		},
		{
			name:     "missing prepend",
			mutate:   func(f fixture, b *uki.Builder) { b.PrependPaths = []string{filepath.Join(f.dir, "missing-ucode.img")} },
			expected: "missing-ucode.img",
		},
		{
			name:     "embedder failure",
			mutate:   func(_ fixture, b *uki.Builder) { b.Embedder = &captureEmbedder{err: errors.New("disk full")} },
			expected: "disk full",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			builder := f.builder(t, &captureEmbedder{})

			test.mutate(f, builder)

			err := builder.Build(context.Background())
			require.Error(t, err)
			assert.ErrorContains(t, err, test.expected)
		})
	}
}

func TestScratchClose(t *testing.T) {
	t.Parallel()

	scratch, err := uki.NewScratch()
	require.NoError(t, err)

	_, err = scratch.WriteCmdline("quiet")
	require.NoError(t, err)

	require.NoError(t, scratch.Close())

	assert.NoDirExists(t, scratch.Dir())
}

func TestFindOSRelease(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	osRelease, err := uki.FindOSRelease(filepath.Join(f.dir, "missing"), f.osRelease)
	require.NoError(t, err)

	assert.Equal(t, f.osRelease, osRelease.Path)
	assert.Equal(t, "Arch Linux", osRelease.PrettyName())

	_, err = uki.FindOSRelease(filepath.Join(f.dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, "Linux", (&uki.OSRelease{}).PrettyName())
}
