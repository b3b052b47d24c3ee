/*
Package security provides the cryptographic backbone for spearctl's
control plane: a root Certificate Authority for mutual TLS between the
Metadata Server and Worker Agents, and AES-256-GCM sealing for
at-rest secrets such as the CA's own private key.

# Cluster encryption key

Everything is rooted in a 32-byte cluster encryption key, derived from a
cluster id:

	clusterKey = SHA-256(clusterID)

SetClusterEncryptionKey installs this key once at startup; Encrypt/Decrypt
use it to seal the CA's root private key before it is written through
pkg/kv.

# Certificate Authority

CertAuthority holds a self-signed root (RSA-4096, 10-year validity) and
issues leaf certificates:

  - IssueNodeCertificate(nodeID, role, dnsNames, ips) for MS and WA
    identities (role is "ms" or "wa"), RSA-2048, 90-day validity,
    ServerAuth+ClientAuth so the same cert authenticates a node as
    either gRPC server or client.
  - IssueAdminCertificate(adminID) for the spearctl admin CLI,
    ClientAuth only.

The root is persisted through SaveToStore/LoadFromStore as a single KV
record (caStoreKey), with the private key sealed via Encrypt.
pkg/rpcserver's NewServer issues the MS certificate from the CA when none
is on disk yet; on the WA side, rpcserver.Dial loads the agent's cert from
a local directory managed by GetCertDir/SaveCertToFile/LoadCertFromFile.

# gRPC TLS integration

pkg/rpcserver wires issued certificates into grpc's credentials package:

	// MS side
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{msCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool, // root CA
	})

	// WA side
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{waCert},
		RootCAs:      certPool,
	})

# Certificate rotation

CertNeedsRotation flags certificates within 30 days of NotAfter; nothing
in this package automates renewal yet -- callers re-issue and re-save
via IssueNodeCertificate/SaveCertToFile on their own schedule.

# Threat model

This package protects connections between cluster members and detects
tampering of sealed secrets. It does not protect against a compromised
cluster encryption key, a compromised CA private key, or a compromised
Metadata Server host -- any of those grants broad access to the cluster
they belong to.
*/
package security
