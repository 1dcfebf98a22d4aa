// Package fspcrypto implements the crypto-provider collaborator the wire
// protocol and peer state machine treat as opaque: digest computation over
// bytes and files, and X.509 peer-certificate verification/identity
// extraction. TLS session establishment itself lives in package transport;
// this package only supplies the primitives the protocol layer calls out
// to.
package fspcrypto

import (
	"crypto/md5" //nolint:gosec // MD5 is a protocol-selectable legacy hash algorithm, not used for security here.
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/wire"
)

// fileReadBufferSize is the streaming read buffer size used by FileDigest.
const fileReadBufferSize = 32 * 1024

// ErrUnknownAlgorithm is returned when a HashAlgorithm value has no known
// digest implementation.
var ErrUnknownAlgorithm = errors.New("fspcrypto: unknown hash algorithm")

// ErrNoPeerCertificate indicates a TLS connection completed its handshake
// without presenting a peer certificate, which mutual-auth requires.
var ErrNoPeerCertificate = errors.New("fspcrypto: peer did not present a certificate")

// ErrMissingIdentityField indicates the peer certificate's subject lacks
// the dnQualifier (device UUID) or commonName (device name) field the
// protocol requires.
var ErrMissingIdentityField = errors.New("fspcrypto: certificate subject missing required identity field")

func newHasher(algo wire.HashAlgorithm) (hash.Hash, error) {
	switch algo {
	case wire.HashMD5:
		return md5.New(), nil //nolint:gosec
	case wire.HashSHA256:
		return sha256.New(), nil
	case wire.HashSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("fspcrypto: %w: %d", ErrUnknownAlgorithm, algo)
	}
}

// Digest computes the digest of data under the given algorithm.
func Digest(algo wire.HashAlgorithm, data []byte) ([]byte, error) {
	h, err := newHasher(algo)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// FileDigest computes the digest of the file at path under the given
// algorithm, streaming it through a 32 KiB buffer rather than loading the
// whole file into memory.
func FileDigest(algo wire.HashAlgorithm, path string) ([]byte, error) {
	log := logrus.WithFields(logrus.Fields{"function": "FileDigest", "path": path, "algo": algo})

	h, err := newHasher(algo)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Debug("failed to open file for hashing")
		return nil, fmt.Errorf("fspcrypto: FileDigest: %w", err)
	}
	defer f.Close()

	buf := make([]byte, fileReadBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("fspcrypto: FileDigest: %w", err)
	}
	return h.Sum(nil), nil
}

// Identity is the (uuid, device name, public key) triple extracted from a
// peer's X.509 certificate subject: dnQualifier carries the device UUID,
// commonName carries the display name.
type Identity struct {
	UUID       string
	DeviceName string
	PublicKey  []byte
}

// dnQualifierOID is the ASN.1 object identifier for the X.520 dnQualifier
// attribute, not exposed as a named field on pkix.Name.
var dnQualifierOID = []int{2, 5, 4, 46}

// VerifyCertificate reports whether cert is well-formed enough to extract
// an Identity from: non-nil, and carrying both required subject fields.
// No chain validation happens anywhere: the transport's handshake only
// requires a certificate to be presented, and trust is decided afterwards
// by the known-peer store or approval oracle. This is the protocol-level
// sanity check performed before trusting the subject fields.
func VerifyCertificate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	_, err := ExtractIdentity(cert)
	return err == nil
}

// ExtractIdentity pulls the peer Identity out of a verified certificate.
func ExtractIdentity(cert *x509.Certificate) (Identity, error) {
	if cert == nil {
		return Identity{}, ErrNoPeerCertificate
	}

	uuid, ok := dnQualifier(cert.Subject)
	if !ok || uuid == "" {
		return Identity{}, fmt.Errorf("fspcrypto: dnQualifier: %w", ErrMissingIdentityField)
	}
	if cert.Subject.CommonName == "" {
		return Identity{}, fmt.Errorf("fspcrypto: commonName: %w", ErrMissingIdentityField)
	}

	pub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("fspcrypto: marshaling subject public key: %w", err)
	}

	return Identity{
		UUID:       uuid,
		DeviceName: cert.Subject.CommonName,
		PublicKey:  pub,
	}, nil
}

func dnQualifier(name pkix.Name) (string, bool) {
	for _, atv := range name.Names {
		if atv.Type.Equal(dnQualifierOID) {
			if s, ok := atv.Value.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
