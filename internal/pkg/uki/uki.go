// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package uki creates unified kernel images from a systemd-stub, the kernel and its initrd.
package uki

import (
	"context"
	"fmt"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/sbupdate/internal/pkg/kernel"
	"github.com/siderolabs/sbupdate/internal/pkg/secureboot"
	"github.com/siderolabs/sbupdate/internal/pkg/uki/internal/pe"
)

// Section is a file embedded into the image.
type Section struct {
	Name secureboot.Section
	Path string
}

// Embedder adds sections to the stub writing the result to outPath.
type Embedder interface {
	Embed(ctx context.Context, stubPath, outPath string, sections []Section) error
}

// ObjcopyEmbedder embeds sections at their fixed addresses with objcopy.
type ObjcopyEmbedder struct{}

// Embed implements Embedder.
func (ObjcopyEmbedder) Embed(ctx context.Context, stubPath, outPath string, sections []Section) error {
	return pe.AssembleObjcopy(ctx, stubPath, outPath, xslices.Map(sections, func(s Section) pe.Section {
		return pe.Section{
			Name: s.Name.String(),
			Path: s.Path,
			VMA:  s.Name.VMA(),
		}
	}))
}

// Builder is a UKI file builder for a single kernel.
type Builder struct {
	// Kernel version the image is built for.
	Version kernel.Version

	// Source options.
	StubPath      string
	OSReleasePath string
	SplashPath    string
	KernelPath    string
	InitrdPath    string
	// PrependPaths are concatenated before the initrd, in order.
	PrependPaths []string
	Cmdline      string

	// Output options.
	OutPath string

	Scratch  *Scratch
	Embedder Embedder
	Logger   *zap.Logger

	sections []Section
}

// Build the UKI file.
//
// Build writes the output path directly, a failure while embedding might leave a partial file behind.
func (builder *Builder) Build(ctx context.Context) error {
	if builder.Scratch == nil {
		return fmt.Errorf("no scratch files for kernel %s", builder.Version)
	}

	if builder.Embedder == nil {
		builder.Embedder = ObjcopyEmbedder{}
	}

	if builder.Logger == nil {
		builder.Logger = zap.NewNop()
	}

	builder.sections = nil

	for _, generate := range []func() error{
		builder.generateOSRel,
		builder.generateCmdline,
		builder.generateSplash,
		builder.generateKernel,
		builder.generateInitrd,
	} {
		if err := generate(); err != nil {
			return err
		}
	}

	builder.Logger.Debug("embedding sections",
		zap.Stringer("kernel", builder.Version),
		zap.String("stub", builder.StubPath),
		zap.Strings("sections", xslices.Map(builder.sections, func(s Section) string { return s.Name.String() })),
	)

	if err := builder.Embedder.Embed(ctx, builder.StubPath, builder.OutPath, builder.sections); err != nil {
		return fmt.Errorf("failed to assemble %q: %w", builder.OutPath, err)
	}

	return nil
}

// Sections returns the sections of the last build.
func (builder *Builder) Sections() []Section {
	return builder.sections
}
