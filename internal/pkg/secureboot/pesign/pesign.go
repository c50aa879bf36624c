// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements the PE (portable executable) signing.
package pesign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrNotSigned is returned by Backend.Verify when the file carries no valid signature.
var ErrNotSigned = errors.New("no valid signature")

// Backend signs and verifies PE files.
type Backend interface {
	// Sign signs the input file and writes the output to the output file.
	Sign(ctx context.Context, input, output string) error
	// Verify returns nil if the file is signed with the configured certificate.
	Verify(ctx context.Context, path string) error
}

// Outcome of SignIfUnsigned.
type Outcome int

// Outcomes.
const (
	Signed Outcome = iota
	AlreadySigned
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	if o == AlreadySigned {
		return "already signed"
	}

	return "signed"
}

// Signer signs PE files in place.
type Signer struct {
	backend Backend
	logger  *zap.Logger
}

// NewSigner creates a new Signer.
func NewSigner(backend Backend, logger *zap.Logger) *Signer {
	return &Signer{
		backend: backend,
		logger:  logger,
	}
}

// SignInPlace signs the file unconditionally, replacing it.
//
// The signed image is written next to the original and renamed over it,
// so a signing failure leaves the original file intact. The file mode is preserved.
func (s *Signer) SignInPlace(ctx context.Context, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tmpPath := tmp.Name()

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = s.backend.Sign(ctx, path, tmpPath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return fmt.Errorf("failed to sign %q: %w", path, err)
	}

	if err = os.Chmod(tmpPath, st.Mode().Perm()); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return err
	}

	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return err
	}

	return nil
}

// SignIfUnsigned signs the file unless it already carries a valid signature.
//
// A failed verification is not an error, the file is considered unsigned.
func (s *Signer) SignIfUnsigned(ctx context.Context, path string) (Outcome, error) {
	err := s.backend.Verify(ctx, path)
	if err == nil {
		s.logger.Info(fmt.Sprintf("Skipping already signed file %s", path))

		return AlreadySigned, nil
	}

	s.logger.Debug("verification failed", zap.String("path", path), zap.Error(err))
	s.logger.Info(fmt.Sprintf("Signing %s...", path))

	return Signed, s.SignInPlace(ctx, path)
}
