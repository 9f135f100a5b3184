package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// CertNeedsRotation threshold: rotate when less than 30 days remain.
	certRotationThreshold = 30 * 24 * time.Hour

	defaultCertDir = ".xp/certs"
)

// GetCertDir returns the certificate directory for the given node role
// ("leader", "voter", "learner") and node ID.
func GetCertDir(role, nodeID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", role, nodeID)), nil
}

// SaveCertAndKey writes a node's issued certificate and private key PEM
// blobs to certDir/node.crt and certDir/node.key.
func SaveCertAndKey(certPEM, keyPEM []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "node.crt"), certPEM, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "node.key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// LoadCertFromFile loads a node's TLS certificate and key from certDir.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(certDir, "node.crt"), filepath.Join(certDir, "node.key"))
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// SaveCACertToFile writes the cluster CA certificate PEM to certDir/ca.crt.
func SaveCACertToFile(caCertPEM []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "ca.crt"), caCertPEM, 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile loads the cluster CA certificate from certDir/ca.crt.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(filepath.Join(certDir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return caCert, nil
}

// CertExists reports whether a full node cert/key/ca trio exists in dir.
func CertExists(certDir string) bool {
	for _, name := range []string{"node.crt", "node.key", "ca.crt"} {
		if _, err := os.Stat(filepath.Join(certDir, name)); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation reports whether cert has less than 30 days of
// validity remaining.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain checks that cert was issued by ca.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("certificate and CA must both be non-nil")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// RemoveCerts deletes every certificate file under certDir.
func RemoveCerts(certDir string) error {
	return os.RemoveAll(certDir)
}
