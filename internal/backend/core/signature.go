package core

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/seantiz/igprov/internal/backend"
)

// verifySignature checks the base64 SHA-256 signature of the file at path
// against the public key of the PEM certificate at certFile. A mismatch is
// a bad configuration; an unreadable certificate is not.
func verifySignature(path, signatureB64, certFile string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: decode core signature: %v", backend.ErrBadConfig, err)
	}

	pub, err := loadPublicKey(certFile)
	if err != nil {
		return err
	}

	digest, err := fileDigest(path)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		err = rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			err = errors.New("ecdsa verification failed")
		}
	default:
		return fmt.Errorf("unsupported device key type %T", pub)
	}
	if err != nil {
		return fmt.Errorf("%w: core signature verification failed: %v", backend.ErrBadConfig, err)
	}
	return nil
}

func loadPublicKey(certFile string) (any, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read device certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("device certificate %s is not PEM", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse device certificate: %w", err)
	}
	return cert.PublicKey, nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
