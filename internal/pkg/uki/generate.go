// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package uki

import (
	"fmt"
	"os"
	"slices"

	"github.com/siderolabs/sbupdate/internal/pkg/secureboot"
)

func (builder *Builder) generateOSRel() error {
	if err := requireFile(builder.OSReleasePath, "os-release"); err != nil {
		return err
	}

	builder.sections = append(builder.sections,
		Section{
			Name: secureboot.OSRel,
			Path: builder.OSReleasePath,
		},
	)

	return nil
}

func (builder *Builder) generateCmdline() error {
	// the cmdline is written as is, a trailing newline would end up in the kernel arguments
	path, err := builder.Scratch.WriteCmdline(builder.Cmdline)
	if err != nil {
		return err
	}

	builder.sections = append(builder.sections,
		Section{
			Name: secureboot.CMDLine,
			Path: path,
		},
	)

	return nil
}

func (builder *Builder) generateSplash() error {
	if builder.SplashPath == "" {
		return nil
	}

	if err := requireFile(builder.SplashPath, "splash image"); err != nil {
		return err
	}

	builder.sections = append(builder.sections,
		Section{
			Name: secureboot.Splash,
			Path: builder.SplashPath,
		},
	)

	return nil
}

func (builder *Builder) generateKernel() error {
	if err := requireFile(builder.KernelPath, "kernel image"); err != nil {
		return err
	}

	builder.sections = append(builder.sections,
		Section{
			Name: secureboot.Linux,
			Path: builder.KernelPath,
		},
	)

	return nil
}

func (builder *Builder) generateInitrd() error {
	if err := requireFile(builder.InitrdPath, "initrd"); err != nil {
		return err
	}

	path := builder.InitrdPath

	if len(builder.PrependPaths) > 0 {
		var err error

		// early images (microcode) go first, the kernel walks concatenated cpio archives in order
		path, err = builder.Scratch.JoinInitrd(slices.Concat(builder.PrependPaths, []string{builder.InitrdPath})...)
		if err != nil {
			return err
		}
	}

	builder.sections = append(builder.sections,
		Section{
			Name: secureboot.Initrd,
			Path: path,
		},
	)

	return nil
}

func requireFile(path, what string) error {
	if path == "" {
		return fmt.Errorf("%s path is not set", what)
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	if st.IsDir() {
		return fmt.Errorf("%s %q is a directory", what, path)
	}

	return nil
}
