package fsp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/fsconfig"
)

// identityValidity is how long a freshly generated self-signed certificate
// is valid for. Key rotation is not supported, so an expired identity must
// be deleted by hand to force regeneration.
const identityValidity = 365 * 24 * time.Hour

// dnQualifierOID carries the device UUID in the certificate subject, the
// same field fspcrypto.ExtractIdentity reads it back from.
var dnQualifierOID = asn1.ObjectIdentifier{2, 5, 4, 46}

// ensureIdentity loads this device's TLS certificate/key from
// cfg.CertificatePath()/cfg.KeyPath(), generating a fresh self-signed
// ECDSA P-256 pair if neither file exists yet.
func ensureIdentity(cfg *fsconfig.ServerConfig) (tls.Certificate, error) {
	log := logrus.WithFields(logrus.Fields{"function": "ensureIdentity", "dir": cfg.PrivateKeysDir()})

	if err := os.MkdirAll(cfg.PrivateKeysDir(), fsconfig.SecureFolderPerms); err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", err)
	}
	if err := os.Chmod(cfg.PrivateKeysDir(), fsconfig.SecureFolderPerms); err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", err)
	}

	keyPath, certPath := cfg.KeyPath(), cfg.CertificatePath()
	_, keyErr := os.Stat(keyPath)
	_, certErr := os.Stat(certPath)
	keyExists, certExists := keyErr == nil, certErr == nil

	switch {
	case keyExists && certExists:
		if err := cfg.Validate(); err != nil {
			return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", err)
		}
		info, err := os.Stat(keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", err)
		}
		if info.Mode().Perm()&^fsconfig.SecureFilePerms != 0 {
			return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", fsconfig.ErrInsecurePermissions)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", err)
		}
		return cert, nil

	case keyExists != certExists:
		return tls.Certificate{}, fmt.Errorf("fsp: ensureIdentity: %w", ErrPartialIdentity)
	}

	log.Info("generating new device identity")
	return generateIdentity(cfg)
}

func generateIdentity(cfg *fsconfig.ServerConfig) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: %w", err)
	}

	commonName := cfg.DeviceName()
	if commonName == "" {
		commonName = cfg.UUID()
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"FileShare"},
			CommonName:   commonName,
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: dnQualifierOID, Value: cfg.UUID()},
			},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(identityValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: marshaling key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	certPath, keyPath := cfg.CertificatePath(), cfg.KeyPath()
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, fsconfig.SecureFilePerms); err != nil {
		os.Remove(certPath)
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fsp: generateIdentity: %w", err)
	}
	return cert, nil
}
