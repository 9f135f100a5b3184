package security

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"
)

func parsePEMCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestInitializeCA(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should be initialized")
	}
	if !ca.rootCert.IsCA {
		t.Error("root certificate should be a CA")
	}

	expectedExpiry := time.Now().Add(rootCAValidity)
	if ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
		t.Errorf("root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
	}
}

func TestSaveLoadCADataDir(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("SetClusterEncryptionKey() error = %v", err)
	}

	tmpDir, err := os.MkdirTemp("", "xp-ca-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ca1 := NewCertAuthority()
	if err := ca1.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := ca1.SaveToDataDir(tmpDir); err != nil {
		t.Fatalf("SaveToDataDir() error = %v", err)
	}

	ca2 := NewCertAuthority()
	if err := ca2.LoadFromDataDir(tmpDir); err != nil {
		t.Fatalf("LoadFromDataDir() error = %v", err)
	}

	if !ca2.IsInitialized() {
		t.Error("loaded CA should be initialized")
	}
	if !ca1.rootCert.Equal(ca2.rootCert) {
		t.Error("loaded root cert should match original")
	}
	if ca1.rootKey.D.Cmp(ca2.rootKey.D) != 0 {
		t.Error("loaded root key should match original")
	}
}

func TestSignNodeCSR(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	csrPEM, _, err := GenerateNodeCSR("node-1")
	if err != nil {
		t.Fatalf("GenerateNodeCSR() error = %v", err)
	}

	certPEM, err := ca.SignNodeCSR(csrPEM, "node-1")
	if err != nil {
		t.Fatalf("SignNodeCSR() error = %v", err)
	}
	if len(certPEM) == 0 {
		t.Error("signed certificate PEM should not be empty")
	}
}

func TestSignNodeCSRRejectsGarbage(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := ca.SignNodeCSR([]byte("not a csr"), "node-1"); err == nil {
		t.Error("SignNodeCSR() should reject a non-PEM CSR")
	}
}

func TestVerifyCertificate(t *testing.T) {
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

	if err := ca.VerifyCertificate(cert); err != nil {
		t.Errorf("VerifyCertificate() error = %v", err)
	}
}

func TestGenerateNodeCSRIncludesDNSName(t *testing.T) {
	csrPEM, keyPEM, err := GenerateNodeCSR("worker-7")
	if err != nil {
		t.Fatalf("GenerateNodeCSR() error = %v", err)
	}
	if len(csrPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("GenerateNodeCSR() returned empty PEM")
	}
}

func TestRootCertPEM(t *testing.T) {
	ca := NewCertAuthority()
	if err := ca.Initialize("test-cluster"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	pemBytes := ca.RootCertPEM()
	if len(pemBytes) == 0 {
		t.Fatal("RootCertPEM() should not be empty once initialized")
	}

	cert := parsePEMCert(t, pemBytes)
	if !cert.Equal(ca.rootCert) {
		t.Error("RootCertPEM() should round-trip to the same certificate")
	}
}

func TestRootCertPEMUninitialized(t *testing.T) {
	ca := NewCertAuthority()
	if pemBytes := ca.RootCertPEM(); pemBytes != nil {
		t.Error("RootCertPEM() should be nil before Initialize")
	}
}
