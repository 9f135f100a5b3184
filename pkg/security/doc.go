/*
Package security provides the cryptographic primitives backing cluster
membership: a self-signed cluster CA, HMAC-signed join tokens, and
encrypted-at-rest key storage.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Security Architecture                    │
	└─────┬───────────────────────┬──────────────────┬────────────┘
	      │                       │                  │
	      ▼                       ▼                  ▼
	┌─────────────┐      ┌────────────────┐   ┌──────────────┐
	│ Join Tokens │      │   CertAuthority│   │ Certificate  │
	│  (HMAC)     │      │  (ECDSA P-256) │   │   Storage    │
	└─────┬───────┘      └────────┬───────┘   └──────┬───────┘
	      │                       │                   │
	      ▼                       ▼                   ▼
	  self-contained        CSR signing          90-day node certs
	  no lookup table       10-year root         atomic file writes

# Cluster Encryption Key

The root CA's private key is the one piece of long-lived secret material
this package protects at rest. The encryption key is derived from the
cluster ID:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

SetClusterEncryptionKey installs it once at startup; Encrypt/Decrypt use
it for the CA private key only (see CertAuthority.SaveToDataDir).

# Join protocol

A node joins a running cluster in three steps:

 1. The leader mints a JoinToken (IssueJoinToken), embedding the cluster
    CA certificate and an HMAC tag over the token's other fields. The
    token is self-contained: any node later holding the cluster CA key
    can verify it without a server-side lookup.
 2. The joining node decodes and validates the token's shape and expiry
    (DecodeAndValidateJoinToken), generates its own ECDSA P-256 keypair
    and a PKCS#10 CSR (GenerateNodeCSR), and sends the CSR — never its
    private key — to the leader over the join RPC.
 3. The leader verifies the token's signature (ValidateOneTimeSecret)
    and signs the CSR (CertAuthority.SignNodeCSR), returning a 90-day
    node certificate.

# Certificate authority

CertAuthority holds the cluster root: an ECDSA P-256 self-signed
certificate valid for 10 years. It never leaves the leader's process;
SaveToDataDir/LoadFromDataDir persist it to ca.json with the private key
encrypted under the cluster key.

# Certificate storage

certs.go manages the on-disk layout for a node's issued certificate,
private key, and the cluster CA certificate, rooted at
~/.xp/certs/<role>-<nodeID>/. CertNeedsRotation flags certificates with
less than 30 days of remaining validity.
*/
package security
