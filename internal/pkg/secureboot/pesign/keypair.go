// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	talosx509 "github.com/siderolabs/crypto/x509"
)

// KeyPair implements CertificateSigner interface from PEM files on disk.
type KeyPair struct {
	signer crypto.Signer
	cert   *x509.Certificate
}

// Verify interface.
var _ CertificateSigner = (*KeyPair)(nil)

// Signer returns the signer.
func (k *KeyPair) Signer() crypto.Signer {
	return k.signer
}

// Certificate returns the certificate.
func (k *KeyPair) Certificate() *x509.Certificate {
	return k.cert
}

// LoadKeyPair loads the PEM-encoded signing key and certificate.
func LoadKeyPair(keyPath, certPath string) (*KeyPair, error) {
	pair, err := talosx509.NewCertificateAndKeyFromFiles(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key pair: %w", err)
	}

	cert, err := pair.GetCert()
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %q: %w", certPath, err)
	}

	signer, err := parsePrivateKey(pair.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %q: %w", keyPath, err)
	}

	return &KeyPair{
		signer: signer,
		cert:   cert,
	}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}

	return signer, nil
}
