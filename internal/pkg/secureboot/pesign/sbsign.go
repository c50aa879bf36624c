// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"context"
	"fmt"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// SbsignBackend signs files with sbsign and verifies them with sbverify (sbsigntools).
type SbsignBackend struct {
	KeyPath  string
	CertPath string
}

// Verify interface.
var _ Backend = (*SbsignBackend)(nil)

// Sign implements Backend.
func (b *SbsignBackend) Sign(ctx context.Context, input, output string) error {
	_, err := cmd.RunContext(ctx, "sbsign", "--key", b.KeyPath, "--cert", b.CertPath, "--output", output, input)

	return err
}

// Verify implements Backend.
func (b *SbsignBackend) Verify(ctx context.Context, path string) error {
	if _, err := cmd.RunContext(ctx, "sbverify", "--cert", b.CertPath, path); err != nil {
		return fmt.Errorf("%w: %w", ErrNotSigned, err)
	}

	return nil
}
