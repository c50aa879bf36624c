// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/foxboron/go-uefi/authenticode"
)

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// NativeBackend signs files in-process with the Authenticode implementation of go-uefi.
type NativeBackend struct {
	provider CertificateSigner
}

// Verify interface.
var _ Backend = (*NativeBackend)(nil)

// NewNativeBackend creates a new NativeBackend.
func NewNativeBackend(provider CertificateSigner) *NativeBackend {
	return &NativeBackend{
		provider: provider,
	}
}

// Sign implements Backend.
func (b *NativeBackend) Sign(_ context.Context, input, output string) error {
	unsigned, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	binary, err := authenticode.Parse(bytes.NewReader(unsigned))
	if err != nil {
		return fmt.Errorf("failed to parse %q: %w", input, err)
	}

	// the signature is appended to the binary, Bytes returns the signed image
	if _, err = binary.Sign(b.provider.Signer(), b.provider.Certificate()); err != nil {
		return err
	}

	return os.WriteFile(output, binary.Bytes(), 0o600)
}

// Verify implements Backend.
func (b *NativeBackend) Verify(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	binary, err := authenticode.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse %q: %w", path, err)
	}

	ok, err := binary.Verify(b.provider.Certificate())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotSigned, err)
	}

	if !ok {
		return ErrNotSigned
	}

	return nil
}
