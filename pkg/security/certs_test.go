package security

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	csrPEM, keyPEM, err := GenerateNodeCSR("test-node")
	if err != nil {
		t.Fatalf("GenerateNodeCSR() error = %v", err)
	}
	certPEM, err := ca.SignNodeCSR(csrPEM, "test-node")
	if err != nil {
		t.Fatalf("SignNodeCSR() error = %v", err)
	}

	tmpCertDir, err := os.MkdirTemp("", "xp-cert-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	if err := SaveCertAndKey(certPEM, keyPEM, tmpCertDir); err != nil {
		t.Fatalf("SaveCertAndKey() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpCertDir, "node.crt")); os.IsNotExist(err) {
		t.Error("certificate file should exist")
	}
	if _, err := os.Stat(filepath.Join(tmpCertDir, "node.key")); os.IsNotExist(err) {
		t.Error("key file should exist")
	}

	loaded, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("LoadCertFromFile() error = %v", err)
	}
	if loaded.Leaf.Subject.CommonName != "test-node" {
		t.Errorf("loaded cert CN = %v, want test-node", loaded.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	tmpCertDir, err := os.MkdirTemp("", "xp-cert-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	if err := SaveCACertToFile(ca.RootCertPEM(), tmpCertDir); err != nil {
		t.Fatalf("SaveCACertToFile() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpCertDir, "ca.crt")); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	loaded, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("LoadCACertFromFile() error = %v", err)
	}
	if !loaded.Equal(ca.rootCert) {
		t.Error("loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "xp-cert-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if CertExists(tmpDir) {
		t.Error("certificate should not exist initially")
	}

	for _, name := range []string{"node.crt", "node.key", "ca.crt"} {
		_ = os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0o600)
	}
	if !CertExists(tmpDir) {
		t.Error("certificate should exist once all three files are present")
	}

	os.Remove(filepath.Join(tmpDir, "node.key"))
	if CertExists(tmpDir) {
		t.Error("certificate should not exist with a missing file")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expiring in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expiring in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expiring in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expiring in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			if got := CertNeedsRotation(cert); got != tt.needsRot {
				t.Errorf("CertNeedsRotation() = %v, want %v", got, tt.needsRot)
			}
		})
	}

	if !CertNeedsRotation(nil) {
		t.Error("nil certificate should need rotation")
	}
}

func TestValidateCertChain(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	csrPEM, _, err := GenerateNodeCSR("test-node")
	if err != nil {
		t.Fatalf("GenerateNodeCSR() error = %v", err)
	}
	certPEM, err := ca.SignNodeCSR(csrPEM, "test-node")
	if err != nil {
		t.Fatalf("SignNodeCSR() error = %v", err)
	}
	cert := parsePEMCert(t, certPEM)

	if err := ValidateCertChain(cert, ca.rootCert); err != nil {
		t.Errorf("ValidateCertChain() error = %v", err)
	}
	if err := ValidateCertChain(nil, ca.rootCert); err == nil {
		t.Error("ValidateCertChain() should fail with nil certificate")
	}
	if err := ValidateCertChain(cert, nil); err == nil {
		t.Error("ValidateCertChain() should fail with nil CA")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		role   string
		nodeID string
	}{
		{"leader", "node1"},
		{"voter", "node2"},
	}

	for _, tt := range tests {
		t.Run(tt.role+"-"+tt.nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.role, tt.nodeID)
			if err != nil {
				t.Fatalf("GetCertDir() error = %v", err)
			}
			expected := tt.role + "-" + tt.nodeID
			if filepath.Base(certDir) != expected {
				t.Errorf("cert dir = %v, want suffix %v", certDir, expected)
			}
		})
	}
}

func TestRemoveCerts(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "xp-cert-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}

	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0o600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0o600)

	if err := RemoveCerts(tmpDir); err != nil {
		t.Fatalf("RemoveCerts() error = %v", err)
	}
	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Error("certificate directory should not exist after removal")
	}
}
