// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the sbupdate command.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/gertd/go-pluralize"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/sbupdate/internal/app/sbupdate"
	"github.com/siderolabs/sbupdate/internal/pkg/platform"
	"github.com/siderolabs/sbupdate/internal/pkg/secureboot/pesign"
	"github.com/siderolabs/sbupdate/pkg/config"
	"github.com/siderolabs/sbupdate/pkg/logging"
)

var cmdFlags struct {
	ConfigPath string
	Hook       bool
	Arch       string
	Verbose    bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sbupdate",
	Short: "Generate and sign kernel images for UEFI Secure Boot",
	Long: `sbupdate bundles each installed kernel with its initramfs, command line and
os-release into a single EFI executable, and signs it with the Secure Boot key.

In hook mode the changed paths are read from stdin, one per line, and only
the affected kernel images are updated.`,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

// Execute runs the command and prints the error if any.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.NoColor = !isatty.IsTerminal(os.Stderr.Fd())

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
	}

	return err
}

func init() {
	rootCmd.Flags().StringVarP(&cmdFlags.ConfigPath, "config", "c", config.DefaultPath, "path to the configuration file (.yaml or .toml)")
	rootCmd.Flags().BoolVarP(&cmdFlags.Hook, "hook", "k", false, "read the changed paths from stdin and only update the affected images")
	rootCmd.Flags().StringVar(&cmdFlags.Arch, "arch", "", "EFI stub architecture (x64 or ia32), detected from the running kernel if not set")
	rootCmd.Flags().BoolVarP(&cmdFlags.Verbose, "verbose", "v", false, "print debug messages")
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := logging.New(stdout, stderr, logging.Options{
		Verbose: cmdFlags.Verbose,
		Color:   !color.NoColor,
	})

	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(cmdFlags.ConfigPath)
	if err != nil {
		return err
	}

	arch, err := resolveArch(cmdFlags.Arch)
	if err != nil {
		return err
	}

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}

	stubPath := platform.StubPath(cfg.StubDir, arch)

	logger.Debug("starting update",
		zap.String("config", cmdFlags.ConfigPath),
		zap.String("arch", string(arch)),
		zap.String("stub", stubPath),
		zap.String("signer", cfg.Signer),
	)

	pipeline, err := sbupdate.New(sbupdate.Options{
		Config:   cfg,
		StubPath: stubPath,
		Hook:     cmdFlags.Hook,
		Changed:  stdin,
		Signer:   signer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	return pipeline.Run(ctx)
}

func resolveArch(override string) (platform.Arch, error) {
	if override != "" {
		return platform.ParseArch(override)
	}

	machine, err := platform.Machine()
	if err != nil {
		return "", err
	}

	return platform.ParseArch(machine)
}

func newSigner(cfg *config.Config, logger *zap.Logger) (*pesign.Signer, error) {
	var backend pesign.Backend

	switch cfg.Signer {
	case config.SignerSbsigntools:
		backend = &pesign.SbsignBackend{
			KeyPath:  cfg.KeyPath(),
			CertPath: cfg.CertPath(),
		}
	default:
		keyPair, err := pesign.LoadKeyPair(cfg.KeyPath(), cfg.CertPath())
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}

		backend = pesign.NewNativeBackend(keyPair)
	}

	return pesign.NewSigner(backend, logger), nil
}

func formatError(err error) string {
	prefix := "sbupdate: " + color.RedString("error:")

	var merr *multierror.Error

	if !errors.As(err, &merr) || len(merr.Errors) == 1 {
		if merr != nil {
			err = merr.Errors[0]
		}

		return prefix + " " + err.Error()
	}

	lines := make([]string, 0, len(merr.Errors)+1)
	count := pluralize.NewClient().Pluralize("error", len(merr.Errors), true)
	lines = append(lines, fmt.Sprintf("%s %s occurred:", prefix, count))

	for _, e := range merr.Errors {
		lines = append(lines, "  "+e.Error())
	}

	return strings.Join(lines, "\n")
}
