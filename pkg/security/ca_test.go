package security

import (
	"context"
	"crypto/x509"
	"net"
	"os"
	"testing"
	"time"

	"github.com/spearworks/spearctl/pkg/kv"
)

func newTestCA(t *testing.T) *CertAuthority {
	t.Helper()
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tmpDir, err := os.MkdirTemp("", "spearctl-ca-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := kv.NewBoltStore(tmpDir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewCertAuthority(store)
}

func TestInitializeCA(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should be initialized")
	}
	if ca.rootCert == nil || ca.rootKey == nil {
		t.Fatal("root cert/key should not be nil")
	}
	if !ca.rootCert.IsCA {
		t.Error("root certificate should be a CA")
	}

	expectedExpiry := time.Now().Add(rootCAValidity)
	if ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
		t.Errorf("root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
	}
}

func TestSaveLoadCA(t *testing.T) {
	ctx := context.Background()
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set cluster encryption key: %v", err)
	}

	tmpDir, err := os.MkdirTemp("", "spearctl-ca-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := kv.NewBoltStore(tmpDir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	ca1 := NewCertAuthority(store)
	if err := ca1.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}
	if err := ca1.SaveToStore(ctx); err != nil {
		t.Fatalf("save CA: %v", err)
	}

	ca2 := NewCertAuthority(store)
	if err := ca2.LoadFromStore(ctx); err != nil {
		t.Fatalf("load CA: %v", err)
	}

	if !ca2.IsInitialized() {
		t.Error("loaded CA should be initialized")
	}
	if !ca1.rootCert.Equal(ca2.rootCert) {
		t.Error("loaded root cert should match original")
	}
	if ca1.rootKey.N.Cmp(ca2.rootKey.N) != 0 {
		t.Error("loaded root key should match original")
	}
}

func TestIssueNodeCertificate(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	tests := []struct {
		name   string
		nodeID string
		role   string
	}{
		{"MS certificate", "node1", "ms"},
		{"WA certificate", "node2", "wa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := ca.IssueNodeCertificate(tt.nodeID, tt.role, []string{}, []net.IP{})
			if err != nil {
				t.Fatalf("issue certificate: %v", err)
			}
			if cert.Leaf == nil {
				t.Fatal("certificate Leaf should not be nil")
			}

			expectedCN := tt.role + "-" + tt.nodeID
			if cert.Leaf.Subject.CommonName != expectedCN {
				t.Errorf("expected CN %s, got %s", expectedCN, cert.Leaf.Subject.CommonName)
			}

			expectedExpiry := time.Now().Add(nodeCertValidity)
			if cert.Leaf.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
				t.Errorf("cert expiry too early: %v, expected around %v", cert.Leaf.NotAfter, expectedExpiry)
			}
			if cert.Leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				t.Error("certificate should have DigitalSignature key usage")
			}

			hasClientAuth, hasServerAuth := false, false
			for _, usage := range cert.Leaf.ExtKeyUsage {
				if usage == x509.ExtKeyUsageClientAuth {
					hasClientAuth = true
				}
				if usage == x509.ExtKeyUsageServerAuth {
					hasServerAuth = true
				}
			}
			if !hasClientAuth || !hasServerAuth {
				t.Error("node certificate should have both ClientAuth and ServerAuth extended key usage")
			}
		})
	}
}

func TestIssueAdminCertificate(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	adminID := "user@machine"
	cert, err := ca.IssueAdminCertificate(adminID)
	if err != nil {
		t.Fatalf("issue admin certificate: %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("certificate Leaf should not be nil")
	}

	expectedCN := "admin-" + adminID
	if cert.Leaf.Subject.CommonName != expectedCN {
		t.Errorf("expected CN %s, got %s", expectedCN, cert.Leaf.Subject.CommonName)
	}

	hasClientAuth, hasServerAuth := false, false
	for _, usage := range cert.Leaf.ExtKeyUsage {
		if usage == x509.ExtKeyUsageClientAuth {
			hasClientAuth = true
		}
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	if !hasClientAuth {
		t.Error("admin certificate should have ClientAuth extended key usage")
	}
	if hasServerAuth {
		t.Error("admin certificate should not have ServerAuth extended key usage")
	}
}

func TestVerifyCertificate(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "wa", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	if err := ca.VerifyCertificate(cert.Leaf); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestGetRootCACert(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	rootCertDER := ca.GetRootCACert()
	if rootCertDER == nil {
		t.Fatal("root CA cert should not be nil")
	}
	parsedCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		t.Fatalf("parse root CA cert: %v", err)
	}
	if !parsedCert.Equal(ca.rootCert) {
		t.Error("returned root CA cert should match internal cert")
	}
}

func TestCertCache(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	nodeID := "test-node"
	if _, err := ca.IssueNodeCertificate(nodeID, "wa", []string{}, []net.IP{}); err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	cached, exists := ca.GetCachedCert("wa-" + nodeID)
	if !exists {
		t.Fatal("certificate should be in cache")
	}
	if cached.Cert.Subject.CommonName != "wa-"+nodeID {
		t.Errorf("cached cert CN mismatch: %s", cached.Cert.Subject.CommonName)
	}
}
