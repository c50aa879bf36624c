// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pe assembles PE (portable executable) files from a stub and a set of sections.
package pe

import (
	"context"
	"debug/pe"
	"errors"
	"fmt"
	"os"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Section is a file embedded into the PE file as a named section at a fixed address.
type Section struct {
	Name string
	Path string
	VMA  uint64
}

// ErrNoVMA is returned for a section without a fixed address.
var ErrNoVMA = errors.New("section has no address")

// AssembleObjcopy assembles the PE file using objcopy, dstPath is written directly.
//
// Every section must have a non-zero VMA, objcopy would otherwise place it over the PE headers.
func AssembleObjcopy(ctx context.Context, srcPath, dstPath string, sections []Section) error {
	for _, section := range sections {
		if section.VMA == 0 {
			return fmt.Errorf("section %s: %w", section.Name, ErrNoVMA)
		}

		if _, err := os.Stat(section.Path); err != nil {
			return fmt.Errorf("section %s: %w", section.Name, err)
		}
	}

	if err := checkStub(srcPath); err != nil {
		return err
	}

	if _, err := cmd.RunContext(ctx, "objcopy", ObjcopyArgs(srcPath, dstPath, sections)...); err != nil {
		return fmt.Errorf("objcopy failed: %w", err)
	}

	return nil
}

// ObjcopyArgs builds the objcopy command line adding the sections to the stub.
func ObjcopyArgs(srcPath, dstPath string, sections []Section) []string {
	args := make([]string, 0, len(sections)*4+2)

	for _, section := range sections {
		args = append(args,
			"--add-section", fmt.Sprintf("%s=%s", section.Name, section.Path),
			"--change-section-vma", fmt.Sprintf("%s=0x%x", section.Name, section.VMA),
		)
	}

	return append(args, srcPath, dstPath)
}

func checkStub(path string) error {
	peFile, err := pe.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open stub %q: %w", path, err)
	}

	defer peFile.Close() //nolint:errcheck

	if len(peFile.Sections) == 0 {
		return fmt.Errorf("stub %q has no sections", path)
	}

	return nil
}
