package fspcrypto

import (
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Fingerprint renders identity's public key as a SHA256 fingerprint string
// in the "SHA256:base64" form ssh-keygen prints, so a human approving a
// pairing request out-of-band has something short to read aloud or compare
// against a second channel rather than trusting the raw DER bytes.
func Fingerprint(identity Identity) (string, error) {
	pub, err := x509.ParsePKIXPublicKey(identity.PublicKey)
	if err != nil {
		return "", fmt.Errorf("fspcrypto: Fingerprint: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("fspcrypto: Fingerprint: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}
