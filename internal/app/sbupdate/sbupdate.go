// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sbupdate implements the image update pipeline: resolve the kernels to update,
// remove stale images, build and sign new ones, and sign extra files.
package sbupdate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/sbupdate/internal/pkg/changeset"
	"github.com/siderolabs/sbupdate/internal/pkg/kernel"
	"github.com/siderolabs/sbupdate/internal/pkg/secureboot/pesign"
	"github.com/siderolabs/sbupdate/internal/pkg/uki"
	"github.com/siderolabs/sbupdate/pkg/config"
)

// ImageSigner signs the built images and the extra files.
type ImageSigner interface {
	SignInPlace(ctx context.Context, path string) error
	SignIfUnsigned(ctx context.Context, path string) (pesign.Outcome, error)
}

// Options configures the Pipeline.
type Options struct {
	Config *config.Config

	// StubPath is the systemd-stub matching the machine architecture.
	StubPath string

	// Hook enables reading changed paths from Changed.
	Hook    bool
	Changed io.Reader

	Signer   ImageSigner
	Embedder uki.Embedder
	Logger   *zap.Logger
}

// Result is the outcome of processing a single kernel.
type Result struct {
	Version kernel.Version
	Err     error
}

// Pipeline runs a single update.
type Pipeline struct {
	opts Options

	cfg    *config.Config
	logger *zap.Logger
}

// New creates a new Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}

	if opts.Signer == nil {
		return nil, errors.New("signer is required")
	}

	if opts.Hook && opts.Changed == nil {
		return nil, errors.New("hook mode requires the changed paths stream")
	}

	if opts.Embedder == nil {
		opts.Embedder = uki.ObjcopyEmbedder{}
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Pipeline{
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger,
	}, nil
}

// Run the update.
//
// A failure for one kernel or one extra file does not stop the others,
// all failures are returned as a single aggregated error.
func (p *Pipeline) Run(ctx context.Context) error {
	// 1. Resolve the change set.
	installed, err := kernel.Installed(p.cfg.BootDir)
	if err != nil {
		return err
	}

	cs, err := changeset.Resolve(p.opts.Hook, p.opts.Changed, installed, func(v kernel.Version) bool {
		return kernel.Exists(p.cfg.BootDir, v)
	})
	if err != nil {
		return err
	}

	p.logger.Debug("resolved change set",
		zap.Bool("hook", p.opts.Hook),
		zap.Stringers("build", cs.ToBuild),
		zap.Stringers("remove", cs.ToRemove),
	)

	// 2. Make sure the output directory exists.
	if err = os.MkdirAll(p.cfg.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var errs *multierror.Error

	// 3. Remove images of kernels which are gone.
	for _, v := range cs.ToRemove {
		if err = p.remove(v); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("kernel %s: %w", v, err))
		}
	}

	// 4. Build and sign the images.
	results, err := p.buildAll(ctx, cs.ToBuild)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	failed := xslices.Filter(results, func(r Result) bool { return r.Err != nil })

	for _, r := range failed {
		errs = multierror.Append(errs, fmt.Errorf("kernel %s: %w", r.Version, r.Err))
	}

	// 5. Sign the extra files, these are not touched by the package manager.
	if !p.opts.Hook {
		for _, path := range p.cfg.ExtraSign {
			if _, err = p.opts.Signer.SignIfUnsigned(ctx, path); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	p.logger.Debug("update finished",
		zap.Int("built", len(results)-len(failed)),
		zap.Int("failed", len(failed)),
		zap.Int("removed", len(cs.ToRemove)),
	)

	if len(failed) > 0 {
		p.logger.Error("failed to update kernel images", zap.Stringers("kernels", xslices.Map(failed, func(r Result) kernel.Version {
			return r.Version
		})))
	}

	return errs.ErrorOrNil()
}

func (p *Pipeline) remove(v kernel.Version) error {
	p.logger.Info(fmt.Sprintf("Removing kernel image for %s...", v))

	output := p.cfg.OutputPath(v)

	for _, path := range []string{output, kernel.BackupPath(output)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	return nil
}

// buildAll builds the images one by one, sharing the scratch files.
func (p *Pipeline) buildAll(ctx context.Context, versions []kernel.Version) (results []Result, err error) {
	if len(versions) == 0 {
		return nil, nil
	}

	osRelease, err := p.findOSRelease()
	if err != nil {
		return nil, err
	}

	p.logger.Debug("using os-release", zap.String("path", osRelease.Path), zap.String("name", osRelease.PrettyName()))

	scratch, err := uki.NewScratch()
	if err != nil {
		return nil, err
	}

	defer func() {
		if closeErr := scratch.Close(); closeErr != nil {
			p.logger.Warn("failed to remove scratch files", zap.String("path", scratch.Dir()), zap.Error(closeErr))
		}
	}()

	prepend := xslices.Filter(p.cfg.InitrdPrepend, func(path string) bool {
		st, statErr := os.Stat(path)

		return statErr == nil && st.Mode().IsRegular()
	})

	results = make([]Result, 0, len(versions))

	for _, v := range versions {
		if ctx.Err() != nil {
			results = append(results, Result{Version: v, Err: ctx.Err()})

			continue
		}

		results = append(results, Result{
			Version: v,
			Err:     p.build(ctx, scratch, osRelease.Path, prepend, v),
		})
	}

	return results, nil
}

func (p *Pipeline) build(ctx context.Context, scratch *uki.Scratch, osReleasePath string, prepend []string, v kernel.Version) error {
	p.logger.Info(fmt.Sprintf("Generating and signing kernel image for %s...", v))

	if !p.cfg.CmdlineHasRoot(v) {
		p.logger.Warn("kernel command line has no root= parameter", zap.Stringer("kernel", v))
	}

	output := p.cfg.OutputPath(v)

	if p.cfg.BackupEnabled() {
		if err := os.Rename(output, kernel.BackupPath(output)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to back up %q: %w", output, err)
		}
	}

	builder := uki.Builder{
		Version:       v,
		StubPath:      p.opts.StubPath,
		OSReleasePath: osReleasePath,
		SplashPath:    p.cfg.SplashPath(),
		KernelPath:    kernel.ImagePath(p.cfg.BootDir, v),
		InitrdPath:    p.cfg.InitrdFor(v),
		PrependPaths:  prepend,
		Cmdline:       p.cfg.CmdlineFor(v),
		OutPath:       output,
		Scratch:       scratch,
		Embedder:      p.opts.Embedder,
		Logger:        p.logger,
	}

	if err := builder.Build(ctx); err != nil {
		return err
	}

	if err := p.opts.Signer.SignInPlace(ctx, output); err != nil {
		return err
	}

	if st, err := os.Stat(output); err == nil {
		p.logger.Debug("image ready", zap.String("path", output), zap.String("size", humanize.Bytes(uint64(st.Size()))))
	}

	return nil
}

func (p *Pipeline) findOSRelease() (*uki.OSRelease, error) {
	if p.cfg.OSRelease != "" {
		return uki.ReadOSRelease(p.cfg.OSRelease)
	}

	return uki.FindOSRelease(uki.DefaultOSReleasePaths...)
}
